package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDescriptionEventDistinguishesAbsentAndNull(t *testing.T) {
	var statusOnly DescriptionEvent
	if err := json.Unmarshal([]byte(`{"post_id":1,"description_status":"READY"}`), &statusOnly); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := statusOnly.Patch()
	if !p.DescriptionStatus.IsSet() {
		t.Fatalf("expected status to be set, got %+v", p)
	}
	if p.ImageDescription.IsSet() {
		t.Fatalf("absent image_description must not be patched")
	}

	var nullText DescriptionEvent
	if err := json.Unmarshal([]byte(`{"post_id":1,"image_description":null}`), &nullText); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p = nullText.Patch()
	if p.DescriptionStatus.IsSet() {
		t.Fatalf("absent status must not be patched")
	}
	v, ok := p.ImageDescription.Get()
	if !ok || v != nil {
		t.Fatalf("expected explicit clear of image_description, got set=%v value=%v", ok, v)
	}
}

func TestDescriptionEventNullStatusIgnored(t *testing.T) {
	var evt DescriptionEvent
	if err := json.Unmarshal([]byte(`{"post_id":3,"description_status":null,"image_description":"A dog."}`), &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := evt.Patch()
	if p.DescriptionStatus.IsSet() {
		t.Fatalf("null status should be ignored")
	}
	if v, _ := p.ImageDescription.Get(); v == nil || *v != "A dog." {
		t.Fatalf("expected description text, got %v", v)
	}
}

func TestApplyOnlyTouchesNamedFields(t *testing.T) {
	label := "POSITIVE"
	score := 0.9
	text := "old"
	r := PostRecord{
		ID:                1,
		Username:          "alice",
		DescriptionStatus: StatusReady,
		ImageDescription:  &text,
		SentimentStatus:   StatusReady,
		SentimentLabel:    &label,
		SentimentScore:    &score,
	}
	next := r.Apply(PostPatch{
		DescriptionStatus: Set(StatusPending),
		ImageDescription:  Clear[string](),
	})
	if next.DescriptionStatus != StatusPending || next.ImageDescription != nil {
		t.Fatalf("unexpected description fields: %+v", next)
	}
	if next.SentimentLabel == nil || *next.SentimentLabel != "POSITIVE" || next.SentimentScore == nil {
		t.Fatalf("sentiment fields must be untouched: %+v", next)
	}
	if r.ImageDescription == nil || *r.ImageDescription != "old" {
		t.Fatalf("original record must not change: %+v", r)
	}
}

func TestPostRecordDecodeDefaultsAndTimestamps(t *testing.T) {
	raw := `{"id":7,"username":"bob","content":"hi","created_at":"2025-03-01T10:11:12.123456","image_filename":null}`
	var r PostRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.DescriptionStatus != StatusNone || r.SentimentStatus != StatusNone {
		t.Fatalf("expected NONE defaults, got %+v", r)
	}
	if r.ImageStatus != ImageReady {
		t.Fatalf("expected READY image default, got %q", r.ImageStatus)
	}
	want := time.Date(2025, 3, 1, 10, 11, 12, 123456000, time.UTC)
	if !r.CreatedAt.Equal(want) {
		t.Fatalf("expected created_at %v, got %v", want, r.CreatedAt)
	}

	var zoned PostRecord
	if err := json.Unmarshal([]byte(`{"id":8,"username":"x","created_at":"2025-03-01T10:11:12+02:00","sentiment_status":"pending"}`), &zoned); err != nil {
		t.Fatalf("decode zoned: %v", err)
	}
	if zoned.CreatedAt.Hour() != 8 {
		t.Fatalf("expected UTC normalisation, got %v", zoned.CreatedAt)
	}
	if zoned.SentimentStatus != StatusPending {
		t.Fatalf("expected case-insensitive status parse, got %q", zoned.SentimentStatus)
	}
}

func TestPostPatchIsEmpty(t *testing.T) {
	if !(PostPatch{}).IsEmpty() {
		t.Fatalf("zero patch should be empty")
	}
	if (PostPatch{SentimentScore: Clear[float64]()}).IsEmpty() {
		t.Fatalf("clear is a set field")
	}
}

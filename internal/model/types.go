package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AttributeStatus is the progress of an asynchronously computed post attribute.
type AttributeStatus string

const (
	StatusNone    AttributeStatus = "NONE"
	StatusPending AttributeStatus = "PENDING"
	StatusReady   AttributeStatus = "READY"
	StatusFailed  AttributeStatus = "FAILED"
)

// ParseAttributeStatus normalizes raw backend values. Empty means NONE; unknown
// values are passed through upper-cased.
func ParseAttributeStatus(raw string) AttributeStatus {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if v == "" {
		return StatusNone
	}
	return AttributeStatus(v)
}

// Terminal reports whether no further progress is expected for the episode.
func (s AttributeStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

func (s *AttributeStatus) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode attribute status: %w", err)
	}
	if raw == nil {
		*s = StatusNone
		return nil
	}
	*s = ParseAttributeStatus(*raw)
	return nil
}

// ImageStatus is the state of the reduced-size image rendition.
type ImageStatus string

const (
	ImagePending ImageStatus = "PENDING"
	ImageReady   ImageStatus = "READY"
	ImageFailed  ImageStatus = "FAILED"
)

func (s *ImageStatus) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode image status: %w", err)
	}
	if raw == nil || strings.TrimSpace(*raw) == "" {
		*s = ImageReady
		return nil
	}
	*s = ImageStatus(strings.ToUpper(strings.TrimSpace(*raw)))
	return nil
}

type Attribute string

const (
	AttributeImage       Attribute = "image"
	AttributeDescription Attribute = "description"
	AttributeSentiment   Attribute = "sentiment"
)

// PostRecord is the client-side view of a post. Optional fields are nil when
// absent. Values are treated as immutable once published by the store.
type PostRecord struct {
	ID                int64           `json:"id"`
	Content           *string         `json:"content"`
	Username          string          `json:"username"`
	CreatedAt         time.Time       `json:"created_at"`
	ImageFilename     *string         `json:"image_filename"`
	ImageStatus       ImageStatus     `json:"image_status"`
	DescriptionStatus AttributeStatus `json:"description_status"`
	ImageDescription  *string         `json:"image_description"`
	SentimentStatus   AttributeStatus `json:"sentiment_status"`
	SentimentLabel    *string         `json:"sentiment_label"`
	SentimentScore    *float64        `json:"sentiment_score"`
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

func (r *PostRecord) UnmarshalJSON(data []byte) error {
	type wireRecord PostRecord
	var w struct {
		wireRecord
		CreatedAt *string `json:"created_at"`
	}
	w.ImageStatus = ImageReady
	w.DescriptionStatus = StatusNone
	w.SentimentStatus = StatusNone
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = PostRecord(w.wireRecord)
	if w.CreatedAt != nil {
		ts, err := parseCreatedAt(*w.CreatedAt)
		if err != nil {
			return err
		}
		r.CreatedAt = ts
	}
	return nil
}

func parseCreatedAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range createdAtLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("decode created_at: unsupported timestamp %q", raw)
}

// HasText reports whether an optional text field is present and non-empty.
func HasText(v *string) bool {
	return v != nil && strings.TrimSpace(*v) != ""
}

// Apply returns a copy of r with the fields set in p overwritten.
func (r PostRecord) Apply(p PostPatch) PostRecord {
	if v, ok := p.ImageStatus.Get(); ok {
		r.ImageStatus = ImageReady
		if v != nil {
			r.ImageStatus = *v
		}
	}
	if v, ok := p.DescriptionStatus.Get(); ok {
		r.DescriptionStatus = StatusNone
		if v != nil {
			r.DescriptionStatus = *v
		}
	}
	if v, ok := p.ImageDescription.Get(); ok {
		r.ImageDescription = v
	}
	if v, ok := p.SentimentStatus.Get(); ok {
		r.SentimentStatus = StatusNone
		if v != nil {
			r.SentimentStatus = *v
		}
	}
	if v, ok := p.SentimentLabel.Get(); ok {
		r.SentimentLabel = v
	}
	if v, ok := p.SentimentScore.Get(); ok {
		r.SentimentScore = v
	}
	return r
}

// PostPatch names the fields a partial update overwrites. Unset fields are
// left untouched by Apply.
type PostPatch struct {
	ImageStatus       Field[ImageStatus]
	DescriptionStatus Field[AttributeStatus]
	ImageDescription  Field[string]
	SentimentStatus   Field[AttributeStatus]
	SentimentLabel    Field[string]
	SentimentScore    Field[float64]
}

func (p PostPatch) IsEmpty() bool {
	return !p.ImageStatus.IsSet() &&
		!p.DescriptionStatus.IsSet() &&
		!p.ImageDescription.IsSet() &&
		!p.SentimentStatus.IsSet() &&
		!p.SentimentLabel.IsSet() &&
		!p.SentimentScore.IsSet()
}

// DescriptionEvent is the payload of a "description" push event. Either field
// may be missing; an explicit null image_description clears the text.
type DescriptionEvent struct {
	PostID            int64                  `json:"post_id"`
	DescriptionStatus Field[AttributeStatus] `json:"description_status,omitzero"`
	ImageDescription  Field[string]          `json:"image_description,omitzero"`
}

// Patch converts the event into a partial update carrying only the fields the
// payload contained. A null status is ignored.
func (e DescriptionEvent) Patch() PostPatch {
	var p PostPatch
	if v, ok := e.DescriptionStatus.Get(); ok && v != nil {
		p.DescriptionStatus = Set(*v)
	}
	if e.ImageDescription.IsSet() {
		p.ImageDescription = e.ImageDescription
	}
	return p
}

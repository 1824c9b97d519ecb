package testutil

import (
	"testing"
	"time"

	"github.com/g960059/postsync/internal/model"
	"github.com/g960059/postsync/internal/store"
)

func Str(v string) *string { return &v }

func Float(v float64) *float64 { return &v }

// ImagePost is a post with an image and no description yet.
func ImagePost(id int64) model.PostRecord {
	return model.PostRecord{
		ID:                id,
		Username:          "alice",
		CreatedAt:         time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
		ImageFilename:     Str("photo.jpg"),
		ImageStatus:       model.ImageReady,
		DescriptionStatus: model.StatusNone,
		SentimentStatus:   model.StatusNone,
	}
}

// TextPost is a post with content and no sentiment yet.
func TextPost(id int64, content string) model.PostRecord {
	return model.PostRecord{
		ID:                id,
		Username:          "bob",
		CreatedAt:         time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
		Content:           Str(content),
		ImageStatus:       model.ImageReady,
		DescriptionStatus: model.StatusNone,
		SentimentStatus:   model.StatusNone,
	}
}

func NewStore(t *testing.T, records ...model.PostRecord) *store.Store {
	t.Helper()
	s := store.New()
	s.Load(records)
	return s
}

func MustGet(t *testing.T, s *store.Store, id int64) model.PostRecord {
	t.Helper()
	rec, ok := s.Get(id)
	if !ok {
		t.Fatalf("post %d not in store", id)
	}
	return rec
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

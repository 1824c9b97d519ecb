package devserver

import (
	"context"
	"testing"
	"time"

	"github.com/g960059/postsync/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text      string
		wantLabel string
		wantScore float64
	}{
		{"What a great day, I love it", "POSITIVE", 1},
		{"terrible and boring", "NEGATIVE", 1},
		{"good food but awful service and bad coffee", "NEGATIVE", 0.5 + 0.5/3},
		{"the train left at noon", "POSITIVE", 0.5},
	}
	for _, tc := range cases {
		label, score := Classify(tc.text)
		if label != tc.wantLabel || score != tc.wantScore {
			t.Fatalf("%q: expected %s %.3f, got %s %.3f", tc.text, tc.wantLabel, tc.wantScore, label, score)
		}
	}
}

func TestDescribeFilename(t *testing.T) {
	if got := describeFilename("Sunset_over-the.beach.JPG"); got != "An image of sunset over the beach." {
		t.Fatalf("unexpected description %q", got)
	}
	if got := describeFilename(".png"); got != "An image." {
		t.Fatalf("unexpected description %q", got)
	}
}

func startWorkers(t *testing.T, st *Store, hub *Hub) *Workers {
	t.Helper()
	w := NewWorkers(st, hub, time.Millisecond, nil)
	w.Start(context.Background(), 2)
	t.Cleanup(w.Stop)
	return w
}

func TestDescribeJobPublishesStoredState(t *testing.T) {
	st := openTestStore(t)
	hub := NewHub()
	w := startWorkers(t, st, hub)
	id := mustCreate(t, st, NewPost{Username: "alice", ImageFilename: strPtr("red_car.png")})
	if _, err := st.MarkDescriptionPending(context.Background(), id); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	events, unsubscribe := hub.Subscribe(id)
	defer unsubscribe()
	if _, err := w.Enqueue(model.AttributeDescription, id); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case evt := <-events:
		status, _ := evt.DescriptionStatus.Get()
		text, _ := evt.ImageDescription.Get()
		if evt.PostID != id || status == nil || *status != model.StatusReady || text == nil || *text != "An image of red car." {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for description event")
	}
	rec, _ := st.GetPost(context.Background(), id)
	if rec.DescriptionStatus != model.StatusReady {
		t.Fatalf("expected stored READY, got %q", rec.DescriptionStatus)
	}
}

func TestSentimentJobWritesResult(t *testing.T) {
	st := openTestStore(t)
	w := startWorkers(t, st, NewHub())
	id := mustCreate(t, st, NewPost{Username: "bob", Content: strPtr("I hate rainy mornings")})
	if _, _, err := st.MarkSentimentPending(context.Background(), id); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if _, err := w.Enqueue(model.AttributeSentiment, id); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := st.GetPost(context.Background(), id)
		if err != nil {
			t.Fatalf("get post: %v", err)
		}
		if rec.SentimentStatus == model.StatusReady {
			if *rec.SentimentLabel != "NEGATIVE" || *rec.SentimentScore != 1 {
				t.Fatalf("unexpected sentiment %+v", rec)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("sentiment still %q", rec.SentimentStatus)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub()
	_, unsubscribe := hub.Subscribe(1)
	for i := 0; i < subscriberBuffer; i++ {
		if hub.Publish(model.DescriptionEvent{PostID: 1}) != 1 {
			t.Fatalf("publish %d should reach the subscriber", i)
		}
	}
	if hub.Publish(model.DescriptionEvent{PostID: 1}) != 0 {
		t.Fatalf("publish into a full buffer must not block or deliver")
	}
	unsubscribe()
	unsubscribe()
	if hub.Subscribers(1) != 0 {
		t.Fatalf("expected no subscribers after unsubscribe")
	}
}

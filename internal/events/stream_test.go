package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/g960059/postsync/internal/appclient"
	"github.com/g960059/postsync/internal/metrics"
	"github.com/g960059/postsync/internal/model"
)

func sseHandler(t *testing.T, frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer cannot flush")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = fmt.Fprint(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}
}

type collector struct {
	mu     sync.Mutex
	events []model.DescriptionEvent
}

func (c *collector) add(evt model.DescriptionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) snapshot() []model.DescriptionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.DescriptionEvent(nil), c.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamDeliversOnlyDescriptionEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events/posts/4", sseHandler(t,
		"event: ready\ndata: {}\n\n",
		": ping\n\n",
		"event: description\ndata: not-json\n\n",
		"event: description\ndata: {\"post_id\":4,\"description_status\":\"READY\",\"image_description\":\"a dog\"}\n\n",
	))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := metrics.New()
	stream := NewStream(appclient.NewWithClient(srv.URL, srv.Client()), Config{}, nil, m)
	var got collector
	h := stream.Open(4, got.add)
	waitFor(t, "description event", func() bool { return len(got.snapshot()) == 1 })
	h.Close()
	stream.Wait()

	evt := got.snapshot()[0]
	status, _ := evt.DescriptionStatus.Get()
	text, _ := evt.ImageDescription.Get()
	if evt.PostID != 4 || status == nil || *status != model.StatusReady || text == nil || *text != "a dog" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if v := promtestutil.ToFloat64(m.StreamEvents.WithLabelValues("ready")); v != 1 {
		t.Fatalf("expected one ready frame counted, got %v", v)
	}
	if h.ID().String() == "" {
		t.Fatalf("expected handle id")
	}
}

func TestStreamReconnectsAfterFailure(t *testing.T) {
	var calls atomic.Int32
	ok := sseHandler(t, "event: description\ndata: {\"post_id\":5,\"description_status\":\"PENDING\"}\n\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	m := metrics.New()
	stream := NewStream(appclient.NewWithClient(srv.URL, srv.Client()), Config{RetryMinBackoff: 10 * time.Millisecond, RetryMaxBackoff: 20 * time.Millisecond}, nil, m)
	var got collector
	h := stream.Open(5, got.add)
	waitFor(t, "event after reconnect", func() bool { return len(got.snapshot()) == 1 })
	h.Close()
	stream.Wait()

	if calls.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d calls", calls.Load())
	}
	if promtestutil.ToFloat64(m.StreamReconnects) < 1 {
		t.Fatalf("expected reconnect to be counted")
	}
}

func TestCloseInsideCallbackStopsDelivery(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		"event: description\ndata: {\"post_id\":6,\"description_status\":\"READY\"}\n\n",
		"event: description\ndata: {\"post_id\":6,\"description_status\":\"FAILED\"}\n\n",
	))
	defer srv.Close()

	stream := NewStream(appclient.NewWithClient(srv.URL, srv.Client()), Config{}, nil, nil)
	var delivered atomic.Int32
	var h *Handle
	var mu sync.Mutex
	mu.Lock()
	h = stream.Open(6, func(model.DescriptionEvent) {
		delivered.Add(1)
		mu.Lock()
		defer mu.Unlock()
		h.Close()
	})
	mu.Unlock()

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("reader did not exit after close from callback")
	}
	stream.Wait()
	if delivered.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered.Load())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t))
	defer srv.Close()

	stream := NewStream(appclient.NewWithClient(srv.URL, srv.Client()), Config{}, nil, nil)
	h := stream.Open(1, nil)
	h.Close()
	h.Close()
	stream.Wait()
	select {
	case <-h.Done():
	default:
		t.Fatalf("expected done after wait")
	}
}

func TestProbeReturnsFirstFrameName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events/posts/1", sseHandler(t, "event: ready\ndata: {}\n\n"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	name, err := Probe(ctx, appclient.NewWithClient(srv.URL+"/", srv.Client()), 1)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if name != "ready" {
		t.Fatalf("expected ready frame, got %q", name)
	}
	if _, err := Probe(ctx, appclient.NewWithClient(srv.URL, srv.Client()), 2); err == nil {
		t.Fatalf("expected error for missing stream")
	}
}

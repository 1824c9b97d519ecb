package devserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/g960059/postsync/internal/api"
	"github.com/g960059/postsync/internal/model"
)

func newTestBackend(t *testing.T, delay time.Duration) (*httptest.Server, *Store, *Hub) {
	t.Helper()
	st := openTestStore(t)
	hub := NewHub()
	w := NewWorkers(st, hub, delay, nil)
	w.Start(context.Background(), 1)
	t.Cleanup(w.Stop)
	srv := httptest.NewServer(NewServer("", st, hub, w, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, st, hub
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestCreateAndListPosts(t *testing.T) {
	srv, _, _ := newTestBackend(t, time.Hour)
	resp := postJSON(t, srv.URL+"/posts", api.CreatePostRequest{Username: "alice", ImageFilename: strPtr("cat.jpg")})
	var created api.CreatePostResponse
	decodeBody(t, resp, &created)
	if resp.StatusCode != http.StatusOK || created.ID == 0 || created.OriginalURL != "/images/original/cat.jpg" {
		t.Fatalf("unexpected create response %d %+v", resp.StatusCode, created)
	}

	resp = postJSON(t, srv.URL+"/posts", api.CreatePostRequest{Username: "bob"})
	var detail struct {
		Detail string `json:"detail"`
	}
	decodeBody(t, resp, &detail)
	if resp.StatusCode != http.StatusBadRequest || detail.Detail != "Either content or image must be provided" {
		t.Fatalf("unexpected error %d %+v", resp.StatusCode, detail)
	}

	resp, err := http.Get(srv.URL + "/posts?user=alice&limit=5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var posts []model.PostRecord
	decodeBody(t, resp, &posts)
	if len(posts) != 1 || posts[0].ID != created.ID || posts[0].ImageStatus != model.ImagePending {
		t.Fatalf("unexpected posts %+v", posts)
	}
}

func TestQueryValidation(t *testing.T) {
	srv, _, _ := newTestBackend(t, time.Hour)
	for _, path := range []string{"/posts?limit=0", "/posts?limit=1001", "/posts?order_by=name", "/posts?order_dir=up", "/posts/search", "/posts/abc"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		var body struct {
			Detail []validationIssue `json:"detail"`
		}
		decodeBody(t, resp, &body)
		if resp.StatusCode != http.StatusUnprocessableEntity || len(body.Detail) != 1 {
			t.Fatalf("%s: expected 422 validation detail, got %d %+v", path, resp.StatusCode, body)
		}
	}
	resp, err := http.Get(srv.URL + "/posts/search?q=")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query should be 400, got %d", resp.StatusCode)
	}
}

func TestDescribeEndpoint(t *testing.T) {
	srv, st, _ := newTestBackend(t, time.Hour)
	ctx := context.Background()
	img := mustCreate(t, st, NewPost{Username: "alice", ImageFilename: strPtr("cat.jpg")})
	text := mustCreate(t, st, NewPost{Username: "bob", Content: strPtr("hi")})
	done := mustCreate(t, st, NewPost{Username: "carol", ImageFilename: strPtr("dog.jpg")})
	if err := st.SetDescription(ctx, done, model.StatusReady, strPtr("a dog")); err != nil {
		t.Fatalf("seed description: %v", err)
	}

	cases := []struct {
		id         int64
		wantStatus int
		wantBody   string
	}{
		{img, http.StatusAccepted, `{"status":"PENDING"}`},
		{done, http.StatusAccepted, `{"status":"READY"}`},
		{text, http.StatusBadRequest, `{"detail":"Post has no image"}`},
		{404, http.StatusNotFound, `{"detail":"Post not found"}`},
	}
	for _, tc := range cases {
		resp := postJSON(t, srv.URL+"/posts/"+itoa(tc.id)+"/describe", nil)
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != tc.wantStatus || strings.TrimSpace(buf.String()) != tc.wantBody {
			t.Fatalf("post %d: expected %d %s, got %d %s", tc.id, tc.wantStatus, tc.wantBody, resp.StatusCode, buf.String())
		}
	}
	rec, _ := st.GetPost(ctx, img)
	if rec.DescriptionStatus != model.StatusPending {
		t.Fatalf("expected PENDING in store, got %q", rec.DescriptionStatus)
	}
}

func TestSentimentEndpointReturnsRecord(t *testing.T) {
	srv, st, _ := newTestBackend(t, time.Hour)
	id := mustCreate(t, st, NewPost{Username: "bob", Content: strPtr("nice")})
	resp := postJSON(t, srv.URL+"/posts/"+itoa(id)+"/sentiment", nil)
	var rec model.PostRecord
	decodeBody(t, resp, &rec)
	if resp.StatusCode != http.StatusAccepted || rec.ID != id || rec.SentimentStatus != model.StatusPending {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, rec)
	}
}

func TestPostEventsStream(t *testing.T) {
	srv, st, hub := newTestBackend(t, time.Millisecond)
	id := mustCreate(t, st, NewPost{Username: "alice", ImageFilename: strPtr("tree.png")})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/posts/"+itoa(id), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	expectLine := func(want string) {
		t.Helper()
		if !lines.Scan() {
			t.Fatalf("stream ended waiting for %q: %v", want, lines.Err())
		}
		if got := lines.Text(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	expectLine("event: ready")
	expectLine("data: {}")
	expectLine("")
	if hub.Subscribers(id) != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.Subscribers(id))
	}

	trigger := postJSON(t, srv.URL+"/posts/"+itoa(id)+"/describe", nil)
	trigger.Body.Close() //nolint:errcheck

	expectLine("event: description")
	if !lines.Scan() || !strings.HasPrefix(lines.Text(), "data: ") {
		t.Fatalf("expected data line, got %q", lines.Text())
	}
	var evt model.DescriptionEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines.Text(), "data: ")), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	status, _ := evt.DescriptionStatus.Get()
	if evt.PostID != id || status == nil || *status != model.StatusReady {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

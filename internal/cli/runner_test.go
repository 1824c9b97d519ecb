package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/g960059/postsync/internal/devserver"
	"github.com/g960059/postsync/internal/doctor"
	"github.com/g960059/postsync/internal/model"
)

func strPtr(v string) *string { return &v }

func startBackend(t *testing.T, delay time.Duration) (string, *devserver.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := devserver.Open(ctx, filepath.Join(t.TempDir(), "dev.db"))
	if err != nil {
		t.Fatalf("open dev store: %v", err)
	}
	hub := devserver.NewHub()
	workers := devserver.NewWorkers(st, hub, delay, nil)
	workers.Start(ctx, 1)
	srv := httptest.NewServer(devserver.NewServer("", st, hub, workers, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		workers.Stop()
		_ = st.Close()
	})
	return srv.URL, st
}

func seed(t *testing.T, st *devserver.Store, p devserver.NewPost) int64 {
	t.Helper()
	id, err := st.CreatePost(context.Background(), p)
	if err != nil {
		t.Fatalf("seed post: %v", err)
	}
	return id
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	code := NewRunner(out, errOut).Run(context.Background(), args)
	return code, out.String(), errOut.String()
}

func TestUsageErrorsExitTwo(t *testing.T) {
	cases := [][]string{
		{"nope"},
		{"describe"},
		{"describe", "abc"},
		{"sentiment", "0"},
		{"list", "--bogus"},
		{"list", "--user", "a", "--search", "b"},
		{"create"},
	}
	for _, args := range cases {
		code, _, errOut := run(t, append(args, "--backend-url", "http://127.0.0.1:1")...)
		if code != 2 {
			t.Fatalf("%v: expected exit 2, got %d stderr=%s", args, code, errOut)
		}
		if !strings.HasPrefix(errOut, "error: ") {
			t.Fatalf("%v: expected error prefix, got %q", args, errOut)
		}
	}
}

func TestListJSON(t *testing.T) {
	url, st := startBackend(t, time.Hour)
	seed(t, st, devserver.NewPost{Username: "alice", Content: strPtr("hello")})
	seed(t, st, devserver.NewPost{Username: "bob", ImageFilename: strPtr("x.png")})

	code, out, errOut := run(t, "list", "--json", "--backend-url", url)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	var posts []model.PostRecord
	if err := json.Unmarshal([]byte(out), &posts); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(posts) != 2 {
		t.Fatalf("expected two posts, got %+v", posts)
	}

	code, out, _ = run(t, "list", "--json", "--user", "bob", "--backend-url", url)
	if code != 0 || !strings.Contains(out, `"username": "bob"`) || strings.Contains(out, "alice") {
		t.Fatalf("unexpected filtered output %d %s", code, out)
	}
}

func TestListText(t *testing.T) {
	url, st := startBackend(t, time.Hour)
	id := seed(t, st, devserver.NewPost{Username: "alice", Content: strPtr("great news"), ImageFilename: strPtr("cat.jpg"), ImageStatus: model.ImageReady})

	code, out, errOut := run(t, "list", "--no-color", "--search", "GREAT", "--backend-url", url)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	for _, want := range []string{"#" + itoa(id), "alice", "image cat.jpg [READY] description [NONE]", "sentiment [NONE]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestDescribeWaitsForResult(t *testing.T) {
	url, st := startBackend(t, 100*time.Millisecond)
	id := seed(t, st, devserver.NewPost{Username: "alice", ImageFilename: strPtr("blue_bird.jpg"), ImageStatus: model.ImageReady})

	code, out, errOut := run(t, "describe", itoa(id), "--no-color", "--timeout", "10s", "--backend-url", url)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "description [READY]  An image of blue bird.") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestSentimentWaitsForResult(t *testing.T) {
	url, st := startBackend(t, 20*time.Millisecond)
	id := seed(t, st, devserver.NewPost{Username: "bob", Content: strPtr("an awful commute")})
	t.Setenv("POSTSYNC_POLL_INTERVAL", "20ms")

	code, out, errOut := run(t, "sentiment", itoa(id), "--json", "--timeout", "10s", "--backend-url", url)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	var rec model.PostRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if rec.SentimentStatus != model.StatusReady || rec.SentimentLabel == nil || *rec.SentimentLabel != "NEGATIVE" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestDescribeUnknownPost(t *testing.T) {
	url, _ := startBackend(t, time.Hour)
	code, _, errOut := run(t, "describe", "42", "--backend-url", url)
	if code != 1 || !strings.Contains(errOut, "post 42 not found") {
		t.Fatalf("expected not found failure, got %d %s", code, errOut)
	}
}

func TestCreateCommand(t *testing.T) {
	url, st := startBackend(t, time.Hour)
	code, out, errOut := run(t, "create", "--user", "carol", "--content", "first post", "--backend-url", url)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	if !strings.HasPrefix(out, "created post ") {
		t.Fatalf("unexpected output %q", out)
	}
	posts, err := st.ListPosts(context.Background(), devserver.ListFilter{User: "carol"})
	if err != nil || len(posts) != 1 {
		t.Fatalf("expected carol's post to be stored, got %+v %v", posts, err)
	}

	code, _, errOut = run(t, "create", "--user", "carol", "--backend-url", url)
	if code != 1 || !strings.Contains(errOut, "Either content or image must be provided") {
		t.Fatalf("expected backend validation error, got %d %s", code, errOut)
	}
}

func TestDoctorJSON(t *testing.T) {
	url, _ := startBackend(t, time.Hour)
	t.Setenv("POSTSYNC_DEV_DB_PATH", filepath.Join(t.TempDir(), "dev.db"))
	code, out, errOut := run(t, "doctor", "--json", "--backend-url", url)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s out=%s", code, errOut, out)
	}
	var result doctor.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected ok doctor result, got %+v", result)
	}

	code, _, _ = run(t, "doctor", "--backend-url", "http://127.0.0.1:1")
	if code != 1 {
		t.Fatalf("expected exit 1 for unreachable backend, got %d", code)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

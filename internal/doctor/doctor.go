// Package doctor checks that the configured backend can serve the sync
// engine: REST reads, the push stream and a writable dev database path.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/g960059/postsync/internal/appclient"
	"github.com/g960059/postsync/internal/config"
	"github.com/g960059/postsync/internal/events"
	"github.com/g960059/postsync/internal/security"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

func Run(ctx context.Context, cfg config.Config, client *http.Client) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	if err := cfg.Validate(); err != nil {
		add(Check{Name: "config", Status: "fail", Message: err.Error()})
		return out
	}
	add(Check{Name: "config", Status: "pass", Message: "valid"})

	backend := security.RedactURL(cfg.BackendURL)
	api := appclient.NewWithClient(cfg.BackendURL, client).WithUnaryTimeout(cfg.RequestTimeout)
	sample, err := api.ListPosts(ctx, appclient.ListOptions{Limit: 1})
	if err != nil {
		add(Check{Name: "backend_rest", Status: "fail", Message: security.RedactPayload(err.Error()), Path: backend})
		return out
	}
	add(Check{Name: "backend_rest", Status: "pass", Message: fmt.Sprintf("reachable (%d posts sampled)", len(sample)), Path: backend})

	postID := int64(0)
	if len(sample) > 0 {
		postID = sample[0].ID
	}
	add(checkPush(ctx, cfg, api, postID))
	add(checkDevDB(cfg.DevDBPath))
	return out
}

func checkPush(ctx context.Context, cfg config.Config, api *appclient.Client, postID int64) Check {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	name, err := events.Probe(probeCtx, api, postID)
	path := security.RedactURL(api.EventsURL(postID))
	if err != nil {
		return Check{Name: "backend_push", Status: "fail", Message: security.RedactPayload(err.Error()), Path: path}
	}
	if name != "ready" {
		return Check{Name: "backend_push", Status: "warn", Message: fmt.Sprintf("first event was %q, expected \"ready\"", name), Path: path}
	}
	return Check{Name: "backend_push", Status: "pass", Message: "ready event received", Path: path}
}

func checkDevDB(path string) Check {
	if path == "" {
		return Check{Name: "dev_db", Status: "warn", Message: "dev_db_path is empty"}
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return Check{Name: "dev_db", Status: "pass", Message: "directory will be created", Path: path}
	}
	if err != nil {
		return Check{Name: "dev_db", Status: "warn", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if !info.IsDir() {
		return Check{Name: "dev_db", Status: "warn", Message: "parent is not a directory", Path: path}
	}
	probe, err := os.CreateTemp(dir, ".postsync-doctor-*")
	if err != nil {
		return Check{Name: "dev_db", Status: "warn", Message: "directory not writable", Path: path}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return Check{Name: "dev_db", Status: "pass", Message: "writable", Path: path}
}

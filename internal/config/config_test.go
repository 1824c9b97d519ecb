package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.BackendURL != def.BackendURL {
		t.Fatalf("expected backend %q, got %q", def.BackendURL, cfg.BackendURL)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("expected 1s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.PollMaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.PollMaxRetries)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postsync.yaml")
	body := strings.Join([]string{
		"backend_url: http://file.example:9000/",
		"poll_interval: 250ms",
		"log_level: debug",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POSTSYNC_POLL_INTERVAL", "2s")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "http://file.example:9000" {
		t.Fatalf("expected trimmed file backend, got %q", cfg.BackendURL)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("expected env override 2s, got %v", cfg.PollInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug from file, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("POSTSYNC_POLL_INTERVAL", "0s")
	if _, err := Load(viper.New(), ""); err == nil {
		t.Fatalf("expected validation error for zero poll interval")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

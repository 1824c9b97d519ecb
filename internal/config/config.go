package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "POSTSYNC"

type Config struct {
	BackendURL            string
	ListenAddr            string
	RequestTimeout        time.Duration
	PollInterval          time.Duration
	PollMaxRetries        int
	PollRetryMinBackoff   time.Duration
	PollRetryMaxBackoff   time.Duration
	StreamRetryMinBackoff time.Duration
	StreamRetryMaxBackoff time.Duration
	LogLevel              string
	DevDBPath             string
	DevListenAddr         string
	DevJobDelay           time.Duration
}

func DefaultConfig() Config {
	return Config{
		BackendURL:            "http://localhost:8000",
		ListenAddr:            "127.0.0.1:8090",
		RequestTimeout:        10 * time.Second,
		PollInterval:          1 * time.Second,
		PollMaxRetries:        5,
		PollRetryMinBackoff:   250 * time.Millisecond,
		PollRetryMaxBackoff:   4 * time.Second,
		StreamRetryMinBackoff: 250 * time.Millisecond,
		StreamRetryMaxBackoff: 4 * time.Second,
		LogLevel:              "info",
		DevDBPath:             defaultDevDBPath(),
		DevListenAddr:         "127.0.0.1:8000",
		DevJobDelay:           1 * time.Second,
	}
}

// Load layers defaults, an optional YAML file, .env files and POSTSYNC_*
// environment variables, in increasing precedence. v may carry bound flags.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	loadDotEnv()

	def := DefaultConfig()
	v.SetDefault("backend_url", def.BackendURL)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("poll_max_retries", def.PollMaxRetries)
	v.SetDefault("poll_retry_min_backoff", def.PollRetryMinBackoff)
	v.SetDefault("poll_retry_max_backoff", def.PollRetryMaxBackoff)
	v.SetDefault("stream_retry_min_backoff", def.StreamRetryMinBackoff)
	v.SetDefault("stream_retry_max_backoff", def.StreamRetryMaxBackoff)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("dev_db_path", def.DevDBPath)
	v.SetDefault("dev_listen_addr", def.DevListenAddr)
	v.SetDefault("dev_job_delay", def.DevJobDelay)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		BackendURL:            strings.TrimRight(strings.TrimSpace(v.GetString("backend_url")), "/"),
		ListenAddr:            v.GetString("listen_addr"),
		RequestTimeout:        v.GetDuration("request_timeout"),
		PollInterval:          v.GetDuration("poll_interval"),
		PollMaxRetries:        v.GetInt("poll_max_retries"),
		PollRetryMinBackoff:   v.GetDuration("poll_retry_min_backoff"),
		PollRetryMaxBackoff:   v.GetDuration("poll_retry_max_backoff"),
		StreamRetryMinBackoff: v.GetDuration("stream_retry_min_backoff"),
		StreamRetryMaxBackoff: v.GetDuration("stream_retry_max_backoff"),
		LogLevel:              v.GetString("log_level"),
		DevDBPath:             v.GetString("dev_db_path"),
		DevListenAddr:         v.GetString("dev_listen_addr"),
		DevJobDelay:           v.GetDuration("dev_job_delay"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.BackendURL == "" {
		errs = append(errs, errors.New("backend_url is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.PollMaxRetries < 0 {
		errs = append(errs, errors.New("poll_max_retries must not be negative"))
	}
	if c.StreamRetryMaxBackoff < c.StreamRetryMinBackoff {
		errs = append(errs, errors.New("stream_retry_max_backoff must be >= stream_retry_min_backoff"))
	}
	if c.PollRetryMaxBackoff < c.PollRetryMinBackoff {
		errs = append(errs, errors.New("poll_retry_max_backoff must be >= poll_retry_min_backoff"))
	}
	return errors.Join(errs...)
}

func loadDotEnv() {
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		_ = godotenv.Load(file)
	}
}

func defaultDevDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "postsync-dev.db"
	}
	return filepath.Join(home, ".local", "state", "postsync", "dev.db")
}

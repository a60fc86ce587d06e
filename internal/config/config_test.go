package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.ArticleLimit != 5 || cfg.RateLimit.NovelLimit != 2 || cfg.RateWindow() != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Worker.MaxRetries != 3 || cfg.RetryBaseDelay() != time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Worker)
	}
	if cfg.ArticleTimeout() != 5*time.Minute || cfg.NovelMaxTimeout() != 90*time.Minute {
		t.Fatalf("unexpected timeout defaults: %+v", cfg.Worker)
	}
	if cfg.WebhookTimeout() != 10*time.Second {
		t.Fatalf("expected 10s webhook timeout, got %v", cfg.WebhookTimeout())
	}
	if cfg.Broker.Backend != "memory" || cfg.Broker.AMQP.Prefetch != 1 {
		t.Fatalf("unexpected broker defaults: %+v", cfg.Broker)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  trust_forwarded: false
auth:
  admin_secret: hunter2
logging:
  development: false
  level: debug
ratelimit:
  backend: redis
  article_limit: 7
redis:
  addr: redis:6379
ledger:
  backend: postgres
database:
  dsn: postgres://localhost/contentgen
  auto_migrate: true
broker:
  backend: amqp
  amqp:
    url: amqp://rabbit:5672/
    queue: jobs
worker:
  retry_base_delay_seconds: 2
  novel_timeout_per_thousand_words_seconds: 60
storage:
  backend: s3
  s3:
    bucket: archive
    path_style: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.TrustForwarded {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Auth.AdminSecret != "hunter2" {
		t.Fatalf("expected admin secret to load")
	}
	if cfg.RateLimit.Backend != "redis" || cfg.RateLimit.ArticleLimit != 7 || cfg.RateLimit.NovelLimit != 2 {
		t.Fatalf("expected partial ratelimit override, got %+v", cfg.RateLimit)
	}
	if !cfg.Database.AutoMigrate || cfg.Database.Table != "access_entries" {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Broker.AMQP.Queue != "jobs" || cfg.Broker.AMQP.Exchange != "content_jobs" {
		t.Fatalf("unexpected amqp config: %+v", cfg.Broker.AMQP)
	}
	if got := cfg.RetryBaseDelay(); got != 2*time.Second {
		t.Fatalf("expected 2s base delay, got %v", got)
	}
	if got := cfg.NovelTimeoutPerThousandWords(); got != time.Minute {
		t.Fatalf("expected 1m per thousand words, got %v", got)
	}
	if !cfg.Storage.S3.PathStyle || cfg.Storage.S3.Region != "us-east-1" {
		t.Fatalf("unexpected s3 config: %+v", cfg.Storage.S3)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONTENTGEN_SERVER_PORT", "7070")
	t.Setenv("CONTENTGEN_AUTH_ADMIN_SECRET", "from-env")
	t.Setenv("CONTENTGEN_BROKER_PUBSUB_PROJECT_ID", "proj")
	t.Setenv("CONTENTGEN_BROKER_BACKEND", "pubsub")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Auth.AdminSecret != "from-env" {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Broker.Backend != "pubsub" || cfg.Broker.PubSub.ProjectID != "proj" {
		t.Fatalf("expected pubsub broker, got %+v", cfg.Broker)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "zero limit", mutate: func(c *Config) { c.RateLimit.NovelLimit = 0 }, want: "ratelimit limits"},
		{name: "zero window", mutate: func(c *Config) { c.RateLimit.WindowSeconds = 0 }, want: "ratelimit.window_seconds"},
		{name: "unknown ledger", mutate: func(c *Config) { c.Ledger.Backend = "mysql" }, want: "ledger.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Ledger.Backend = "postgres" }, want: "database.dsn"},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Backend = "kafka" }, want: "broker.backend"},
		{name: "pubsub without project", mutate: func(c *Config) { c.Broker.Backend = "pubsub" }, want: "broker.pubsub.project_id"},
		{name: "negative retries", mutate: func(c *Config) { c.Worker.MaxRetries = -1 }, want: "worker.max_retries"},
		{name: "novel cap below base", mutate: func(c *Config) { c.Worker.NovelMaxTimeoutSeconds = 1 }, want: "worker.novel_max_timeout_seconds"},
		{name: "headless without url", mutate: func(c *Config) { c.Generator.Driver = "headless" }, want: "generator.headless.url"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.gcs.bucket"},
		{name: "sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 }, want: "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

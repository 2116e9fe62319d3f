package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawl:
  id: nightly
  pool_size: 12
  pause_at_start: true
  stats_interval: 5s
  seeds: ["https://example.com/", "https://example.org/"]
dirs:
  working: /var/crawl
  checkpoints: /mnt/cp
limits:
  max_bytes: 10GB
  max_documents: 5000
  max_time: 2h
memory:
  budget: 2GiB
  reserve_size: 1MiB
checkpoint:
  schedule: "@every 30m"
  mirror: true
blob:
  backend: local
  local_dir: /srv/mirror
ledger:
  backend: sqlite
  sqlite_path: /var/crawl/ledger.db
server:
  port: 9090
logging:
  development: false
  compress_rolled: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Crawl.PoolSize != 12 || !cfg.Crawl.PauseAtStart || len(cfg.Crawl.Seeds) != 2 {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if cfg.Checkpoint.Schedule != "@every 30m" || !cfg.Checkpoint.Mirror {
		t.Fatalf("expected checkpoint overrides to apply: %+v", cfg.Checkpoint)
	}
	if cfg.Path() != path {
		t.Fatalf("expected path %q, got %q", path, cfg.Path())
	}

	cc := cfg.Controller()
	if cc.CrawlID != "nightly" || cc.PoolSize != 12 {
		t.Fatalf("unexpected controller identity: %+v", cc)
	}
	if cc.Limits.MaxBytes != 10_000_000_000 {
		t.Fatalf("expected 10GB limit, got %d", cc.Limits.MaxBytes)
	}
	if cc.Limits.MaxDocuments != 5000 || cc.Limits.MaxTime != 2*time.Hour {
		t.Fatalf("unexpected limits: %+v", cc.Limits)
	}
	if cc.MemoryBudget != 2<<30 || cc.ReserveSize != 1<<20 {
		t.Fatalf("unexpected memory settings: budget=%d reserve=%d", cc.MemoryBudget, cc.ReserveSize)
	}
	if cc.Dirs.Working != "/var/crawl" || cc.Dirs.Checkpoints != "/mnt/cp" || cc.Dirs.Logs != "logs" {
		t.Fatalf("unexpected dirs: %+v", cc.Dirs)
	}
	if cc.SettingsPath != path || !cc.CompressRolledLogs || cc.StatsInterval != 5*time.Second {
		t.Fatalf("unexpected controller settings: %+v", cc)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.PoolSize != 4 || cfg.Frontier.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Blob.Backend != BlobMemory || cfg.Ledger.Backend != LedgerNone {
		t.Fatalf("unexpected backend defaults: blob=%q ledger=%q", cfg.Blob.Backend, cfg.Ledger.Backend)
	}
	cc := cfg.Controller()
	if cc.SegmentMaxBytes != 64<<20 {
		t.Fatalf("expected 64MiB segments, got %d", cc.SegmentMaxBytes)
	}
	if cc.Limits.MaxBytes != 0 || cc.MemoryBudget != 0 {
		t.Fatalf("expected limits disabled by default: %+v", cc.Limits)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("CRAWLCTL_CRAWL_POOL_SIZE", "7")
	t.Setenv("CRAWLCTL_LIMITS_MAX_BYTES", "1MB")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.PoolSize != 7 {
		t.Fatalf("expected env pool size 7, got %d", cfg.Crawl.PoolSize)
	}
	if got := cfg.Controller().Limits.MaxBytes; got != 1_000_000 {
		t.Fatalf("expected 1MB limit, got %d", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "negative pool", mut: func(c *Config) { c.Crawl.PoolSize = -1 }, want: "crawl.pool_size"},
		{name: "missing working dir", mut: func(c *Config) { c.Dirs.Working = "" }, want: "dirs.working"},
		{name: "bad byte size", mut: func(c *Config) { c.Limits.MaxBytes = "lots" }, want: "limits.max_bytes"},
		{name: "bad budget", mut: func(c *Config) { c.Memory.Budget = "12 parsecs" }, want: "memory.budget"},
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mut: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown blob backend", mut: func(c *Config) { c.Blob.Backend = "s3" }, want: "blob.backend"},
		{name: "gcs without bucket", mut: func(c *Config) { c.Blob.Backend = BlobGCS }, want: "blob.bucket"},
		{name: "postgres without dsn", mut: func(c *Config) { c.Ledger.Backend = LedgerPostgres }, want: "ledger.dsn"},
		{name: "half pubsub", mut: func(c *Config) { c.PubSub.ProjectID = "proj" }, want: "pubsub"},
		{name: "max attempts", mut: func(c *Config) { c.Frontier.MaxAttempts = 0 }, want: "frontier.max_attempts"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

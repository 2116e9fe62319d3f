// Package config loads and validates crawlctl configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlctl/internal/controller"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Dirs       DirsConfig       `mapstructure:"dirs"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Store      StoreConfig      `mapstructure:"store"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// path is the file Load read, copied into every checkpoint.
	path string
}

// CrawlConfig is the crawl-wide identity and pacing.
type CrawlConfig struct {
	ID            string        `mapstructure:"id"`
	PoolSize      int           `mapstructure:"pool_size"`
	PauseAtStart  bool          `mapstructure:"pause_at_start"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	Seeds         []string      `mapstructure:"seeds"`
	SeedsFile     string        `mapstructure:"seeds_file"`
	RecoverFrom   string        `mapstructure:"recover_from"`
}

// DirsConfig is the on-disk layout. Relative entries resolve against Working.
type DirsConfig struct {
	Working     string `mapstructure:"working"`
	Logs        string `mapstructure:"logs"`
	State       string `mapstructure:"state"`
	Scratch     string `mapstructure:"scratch"`
	Checkpoints string `mapstructure:"checkpoints"`
}

// LimitsConfig holds the thresholds that end a crawl. MaxBytes is a
// humanized size such as "10GB"; "0" disables it.
type LimitsConfig struct {
	MaxBytes     string        `mapstructure:"max_bytes"`
	MaxDocuments int64         `mapstructure:"max_documents"`
	MaxTime      time.Duration `mapstructure:"max_time"`
}

// StoreConfig tunes the backing segment store.
type StoreConfig struct {
	SegmentMaxBytes      string        `mapstructure:"segment_max_bytes"`
	CleanerInterval      time.Duration `mapstructure:"cleaner_interval"`
	MinimizeRecoveryTime bool          `mapstructure:"minimize_recovery_time"`
	BigMapCache          int           `mapstructure:"bigmap_cache"`
}

// MemoryConfig drives the memory watcher that engages single-thread-mode.
type MemoryConfig struct {
	Budget        string        `mapstructure:"budget"`
	Interval      time.Duration `mapstructure:"interval"`
	ReserveBlocks int           `mapstructure:"reserve_blocks"`
	ReserveSize   string        `mapstructure:"reserve_size"`
}

// FrontierConfig tunes the reference frontier.
type FrontierConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// CheckpointConfig controls scheduled checkpoints and mirroring.
type CheckpointConfig struct {
	// Schedule is a cron expression; empty disables scheduled checkpoints.
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Mirror uploads finished checkpoints to the blob backend.
	Mirror   bool          `mapstructure:"mirror"`
}

// BlobConfig selects the blob backend used for checkpoint mirroring.
type BlobConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// LedgerConfig selects where crawl runs and checkpoints are recorded.
type LedgerConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	// Level overrides the preset's level, e.g. "debug" or "warn".
	Level          string `mapstructure:"level"`
	CompressRolled bool   `mapstructure:"compress_rolled"`
}

// Blob backends.
const (
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Ledger backends.
const (
	LedgerNone     = "none"
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.pool_size", 4)
	v.SetDefault("crawl.stats_interval", controller.DefaultStatsInterval)
	v.SetDefault("dirs.working", "crawl")
	v.SetDefault("dirs.logs", "logs")
	v.SetDefault("dirs.state", "state")
	v.SetDefault("dirs.scratch", "scratch")
	v.SetDefault("dirs.checkpoints", "checkpoints")
	v.SetDefault("limits.max_bytes", "0")
	v.SetDefault("store.segment_max_bytes", "64MiB")
	v.SetDefault("store.cleaner_interval", time.Minute)
	v.SetDefault("store.bigmap_cache", 10000)
	v.SetDefault("memory.budget", "0")
	v.SetDefault("memory.interval", 5*time.Second)
	v.SetDefault("memory.reserve_blocks", 1)
	v.SetDefault("memory.reserve_size", "6MiB")
	v.SetDefault("frontier.max_attempts", 3)
	v.SetDefault("checkpoint.timeout", 10*time.Minute)
	v.SetDefault("blob.backend", BlobMemory)
	v.SetDefault("blob.prefix", "checkpoints")
	v.SetDefault("ledger.backend", LedgerNone)
	v.SetDefault("ledger.sqlite_path", "crawlctl.db")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.PoolSize < 0 {
		return fmt.Errorf("crawl.pool_size must be >= 0")
	}
	if c.Dirs.Working == "" {
		return errors.New("dirs.working must be set")
	}
	if c.Frontier.MaxAttempts <= 0 {
		return fmt.Errorf("frontier.max_attempts must be > 0")
	}
	if c.Limits.MaxDocuments < 0 || c.Limits.MaxTime < 0 {
		return errors.New("limits must not be negative")
	}
	for key, val := range map[string]string{
		"limits.max_bytes":        c.Limits.MaxBytes,
		"store.segment_max_bytes": c.Store.SegmentMaxBytes,
		"memory.budget":           c.Memory.Budget,
		"memory.reserve_size":     c.Memory.ReserveSize,
	} {
		if _, err := parseBytes(val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Blob.Backend {
	case BlobMemory:
	case BlobLocal:
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set for the local backend")
		}
	case BlobGCS:
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown blob.backend %q", c.Blob.Backend)
	}
	switch c.Ledger.Backend {
	case LedgerNone, LedgerMemory:
	case LedgerSQLite:
		if c.Ledger.SQLitePath == "" {
			return fmt.Errorf("ledger.sqlite_path must be set for the sqlite backend")
		}
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// Path is the config file Load read, empty when none was given.
func (c Config) Path() string { return c.path }

// Controller maps the loaded settings onto a controller.Config. Validate
// must have passed.
func (c Config) Controller() controller.Config {
	maxBytes, _ := parseBytes(c.Limits.MaxBytes)
	segMax, _ := parseBytes(c.Store.SegmentMaxBytes)
	budget, _ := parseBytes(c.Memory.Budget)
	reserve, _ := parseBytes(c.Memory.ReserveSize)
	return controller.Config{
		CrawlID: c.Crawl.ID,
		Dirs: controller.Dirs{
			Working:     c.Dirs.Working,
			Logs:        c.Dirs.Logs,
			State:       c.Dirs.State,
			Scratch:     c.Dirs.Scratch,
			Checkpoints: c.Dirs.Checkpoints,
		},
		PoolSize: c.Crawl.PoolSize,
		Limits: controller.Limits{
			MaxBytes:     int64(maxBytes),
			MaxDocuments: c.Limits.MaxDocuments,
			MaxTime:      c.Limits.MaxTime,
		},
		StatsInterval:        c.Crawl.StatsInterval,
		RecoverFrom:          c.Crawl.RecoverFrom,
		SettingsPath:         c.path,
		PauseAtStart:         c.Crawl.PauseAtStart,
		SegmentMaxBytes:      int64(segMax),
		CleanerInterval:      c.Store.CleanerInterval,
		MinimizeRecoveryTime: c.Store.MinimizeRecoveryTime,
		BigMapCache:          c.Store.BigMapCache,
		CompressRolledLogs:   c.Logging.CompressRolled,
		MemoryBudget:         budget,
		MemoryInterval:       c.Memory.Interval,
		ReserveBlocks:        c.Memory.ReserveBlocks,
		ReserveSize:          int(reserve),
	}
}

func parseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n, nil
}

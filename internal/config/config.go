package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/halcyonlabs/execledger/internal/pricing"
)

// ReaperConfig controls the background sweeps.
type ReaperConfig struct {
	// IntervalSeconds between hot sweeps (expire reservations, requeue
	// lapsed claims). Default 10.
	IntervalSeconds int `yaml:"interval_seconds"`

	// RetentionSchedule is a cron expression for the cold sweep (cache and
	// checkpoint pruning, event purge). Default hourly.
	RetentionSchedule string `yaml:"retention_schedule"`

	// CheckpointKeepPerTask is how many checkpoint versions to keep per
	// task; the newest valid one always survives. Default 5.
	CheckpointKeepPerTask int `yaml:"checkpoint_keep_per_task"`

	// RetentionEventsDays is how long audit events are kept. 0 keeps forever.
	RetentionEventsDays int `yaml:"retention_events_days"`
}

// OTelConfig controls trace and metric export.
type OTelConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is one of "otlp-http", "stdout", "none".
	Exporter string `yaml:"exporter"`

	// Endpoint for the otlp-http exporter, e.g. "localhost:4318".
	Endpoint string `yaml:"endpoint"`

	// SampleRatio in [0, 1]. Default 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// PricingEntry overrides the built-in credit cost of one operation.
// Amounts are decimal strings.
type PricingEntry struct {
	PromptPer1M     string `yaml:"prompt_per_1m"`
	CompletionPer1M string `yaml:"completion_per_1m"`
	PerCall         string `yaml:"per_call"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	LogLevel           string `yaml:"log_level"`
	DBPath             string `yaml:"db_path"`

	// LeaseSeconds is the claim heartbeat window. Default 30.
	LeaseSeconds int `yaml:"lease_seconds"`

	// HeartbeatIntervalSeconds between lease renewals; must be well under
	// LeaseSeconds. Default 10.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// ReservationTTLSeconds bounds how long an admission hold can sit
	// without being finalized or released. Default 3600.
	ReservationTTLSeconds int `yaml:"reservation_ttl_seconds"`

	// CacheTTLSeconds is the idempotency cache entry lifetime. Default 86400.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// CheckpointEverySteps is the periodic checkpoint cadence. Default 5.
	CheckpointEverySteps int `yaml:"checkpoint_every_steps"`

	// DrainTimeoutSeconds bounds graceful shutdown. Default 5.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Reaper  ReaperConfig            `yaml:"reaper"`
	OTel    OTelConfig              `yaml:"otel"`
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("EXECLEDGER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".execledger")
}

func defaultConfig() Config {
	return Config{
		WorkerCount:              4,
		TaskTimeoutSeconds:       int((10 * time.Minute).Seconds()),
		LogLevel:                 "info",
		LeaseSeconds:             30,
		HeartbeatIntervalSeconds: 10,
		ReservationTTLSeconds:    3600,
		CacheTTLSeconds:          86400,
		CheckpointEverySteps:     5,
		DrainTimeoutSeconds:      5,
		Reaper: ReaperConfig{
			IntervalSeconds:       10,
			RetentionSchedule:     "@hourly",
			CheckpointKeepPerTask: 5,
			RetentionEventsDays:   90,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create execledger home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = def.TaskTimeoutSeconds
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "ledger.db")
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = def.LeaseSeconds
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = def.HeartbeatIntervalSeconds
	}
	if cfg.ReservationTTLSeconds <= 0 {
		cfg.ReservationTTLSeconds = def.ReservationTTLSeconds
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = def.CacheTTLSeconds
	}
	if cfg.CheckpointEverySteps <= 0 {
		cfg.CheckpointEverySteps = def.CheckpointEverySteps
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.Reaper.IntervalSeconds <= 0 {
		cfg.Reaper.IntervalSeconds = def.Reaper.IntervalSeconds
	}
	if cfg.Reaper.RetentionSchedule == "" {
		cfg.Reaper.RetentionSchedule = def.Reaper.RetentionSchedule
	}
	if cfg.Reaper.CheckpointKeepPerTask <= 0 {
		cfg.Reaper.CheckpointKeepPerTask = def.Reaper.CheckpointKeepPerTask
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = def.OTel.Exporter
	}
	if cfg.OTel.SampleRatio <= 0 || cfg.OTel.SampleRatio > 1 {
		cfg.OTel.SampleRatio = def.OTel.SampleRatio
	}
}

// validate rejects combinations that would break the claim protocol.
func validate(cfg *Config) error {
	if cfg.HeartbeatIntervalSeconds*2 > cfg.LeaseSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be at most half of lease_seconds (%d) or lapsed claims will thrash",
			cfg.HeartbeatIntervalSeconds, cfg.LeaseSeconds)
	}
	switch cfg.OTel.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("otel.exporter must be otlp-http, stdout, or none; got %q", cfg.OTel.Exporter)
	}
	for op, entry := range cfg.Pricing {
		if _, err := parsePricingEntry(entry); err != nil {
			return fmt.Errorf("pricing entry %q: %w", op, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("EXECLEDGER_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("EXECLEDGER_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("EXECLEDGER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("EXECLEDGER_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("EXECLEDGER_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseSeconds = v
		}
	}
	if raw := os.Getenv("EXECLEDGER_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("EXECLEDGER_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
	if raw := os.Getenv("EXECLEDGER_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

func parsePricingEntry(entry PricingEntry) (pricing.OperationPricing, error) {
	var p pricing.OperationPricing
	var err error
	parse := func(s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}
	if p.PromptPer1M, err = parse(entry.PromptPer1M); err != nil {
		return p, fmt.Errorf("prompt_per_1m: %w", err)
	}
	if p.CompletionPer1M, err = parse(entry.CompletionPer1M); err != nil {
		return p, fmt.Errorf("completion_per_1m: %w", err)
	}
	if p.PerCall, err = parse(entry.PerCall); err != nil {
		return p, fmt.Errorf("per_call: %w", err)
	}
	return p, nil
}

// PricingOverrides converts the yaml pricing block into table overrides.
// Load has already validated the entries; malformed ones are skipped here.
func (c Config) PricingOverrides() map[string]pricing.OperationPricing {
	if len(c.Pricing) == 0 {
		return nil
	}
	out := make(map[string]pricing.OperationPricing, len(c.Pricing))
	for op, entry := range c.Pricing {
		p, err := parsePricingEntry(entry)
		if err != nil {
			continue
		}
		out[op] = p
	}
	return out
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|log=%s|lease=%d|ttl=%d|reaper=%d|otel=%s",
		c.WorkerCount, c.TaskTimeoutSeconds, c.LogLevel, c.LeaseSeconds,
		c.ReservationTTLSeconds, c.Reaper.IntervalSeconds, c.OTel.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// LeaseDuration returns the claim lease window as a duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// ReservationTTL returns the admission hold lifetime as a duration.
func (c Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLSeconds) * time.Second
}

// CacheTTL returns the idempotency cache entry lifetime as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

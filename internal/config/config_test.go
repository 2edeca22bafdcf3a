package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("EXECLEDGER_HOME", home)
	return home
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := testHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %s, want %s", cfg.HomeDir, home)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("worker_count = %d", cfg.WorkerCount)
	}
	if cfg.LeaseSeconds != 30 || cfg.HeartbeatIntervalSeconds != 10 {
		t.Fatalf("lease = %d heartbeat = %d", cfg.LeaseSeconds, cfg.HeartbeatIntervalSeconds)
	}
	if cfg.DBPath != filepath.Join(home, "ledger.db") {
		t.Fatalf("db_path = %s", cfg.DBPath)
	}
	if cfg.Reaper.RetentionSchedule != "@hourly" {
		t.Fatalf("retention_schedule = %s", cfg.Reaper.RetentionSchedule)
	}
	if cfg.OTel.Exporter != "none" {
		t.Fatalf("otel exporter = %s", cfg.OTel.Exporter)
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := testHome(t)
	writeConfig(t, home, `
worker_count: 8
log_level: debug
lease_seconds: 60
heartbeat_interval_seconds: 20
reaper:
  interval_seconds: 3
  checkpoint_keep_per_task: 2
otel:
  enabled: true
  exporter: stdout
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 8 || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LeaseSeconds != 60 || cfg.HeartbeatIntervalSeconds != 20 {
		t.Fatalf("lease = %d heartbeat = %d", cfg.LeaseSeconds, cfg.HeartbeatIntervalSeconds)
	}
	if cfg.Reaper.IntervalSeconds != 3 || cfg.Reaper.CheckpointKeepPerTask != 2 {
		t.Fatalf("reaper = %+v", cfg.Reaper)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "stdout" {
		t.Fatalf("otel = %+v", cfg.OTel)
	}
	// Unset fields keep defaults.
	if cfg.ReservationTTLSeconds != 3600 {
		t.Fatalf("reservation_ttl = %d", cfg.ReservationTTLSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	testHome(t)
	t.Setenv("EXECLEDGER_WORKER_COUNT", "2")
	t.Setenv("EXECLEDGER_LOG_LEVEL", "error")
	t.Setenv("EXECLEDGER_LEASE_SECONDS", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 2 || cfg.LogLevel != "error" || cfg.LeaseSeconds != 120 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsTightHeartbeat(t *testing.T) {
	home := testHome(t)
	writeConfig(t, home, `
lease_seconds: 10
heartbeat_interval_seconds: 8
`)
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for heartbeat near lease")
	}
}

func TestValidateRejectsUnknownExporter(t *testing.T) {
	home := testHome(t)
	writeConfig(t, home, `
otel:
  exporter: jaeger
`)
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unknown exporter")
	}
}

func TestPricingOverrides(t *testing.T) {
	home := testHome(t)
	writeConfig(t, home, `
pricing:
  tool.search:
    per_call: "0.03"
  llm.custom:
    prompt_per_1m: "1.5"
    completion_per_1m: "6"
`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	overrides := cfg.PricingOverrides()
	if !overrides["tool.search"].PerCall.Equal(decimal.RequireFromString("0.03")) {
		t.Fatalf("tool.search = %+v", overrides["tool.search"])
	}
	if !overrides["llm.custom"].PromptPer1M.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("llm.custom = %+v", overrides["llm.custom"])
	}
}

func TestPricingValidation(t *testing.T) {
	home := testHome(t)
	writeConfig(t, home, `
pricing:
  tool.search:
    per_call: "not-a-number"
`)
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for malformed pricing")
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	testHome(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fp := cfg.Fingerprint()
	if fp == "" || fp != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	cfg.WorkerCount++
	if cfg.Fingerprint() == fp {
		t.Fatal("fingerprint did not change with config")
	}
}

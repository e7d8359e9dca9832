package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Scheduler.TickInterval != 5*time.Minute {
		t.Fatalf("expected 5m tick interval, got %s", cfg.Scheduler.TickInterval)
	}
	if cfg.Queue.CallConcurrency != 5 {
		t.Fatalf("expected call concurrency 5, got %d", cfg.Queue.CallConcurrency)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.Delay != 30*time.Minute {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Vendor.Provider != "vapi" {
		t.Fatalf("expected vapi default provider, got %q", cfg.Vendor.Provider)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("vendor:\n  provider: retell\nqueue:\n  call_concurrency: 9\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CHECKIN_QUEUE_CALL_CONCURRENCY", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Vendor.Provider != "retell" {
		t.Fatalf("expected provider from file, got %q", cfg.Vendor.Provider)
	}
	if cfg.Queue.CallConcurrency != 3 {
		t.Fatalf("expected env override 3, got %d", cfg.Queue.CallConcurrency)
	}
}

func TestLoadRejectsWindowShorterThanTick(t *testing.T) {
	t.Setenv("CHECKIN_SCHEDULER_TICK_INTERVAL", "10m")
	t.Setenv("CHECKIN_SCHEDULER_WINDOW", "5m")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error for window < tick interval")
	}
}

func TestLoadRejectsUnknownTimeZone(t *testing.T) {
	t.Setenv("CHECKIN_SCHEDULER_DEFAULT_TIMEZONE", "Mars/Olympus_Mons")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error for unknown timezone")
	}
}

package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}

	// The pipeline's pinned operating constants.
	if cfg.Linkage.FuzzyThreshold != 0.85 {
		t.Errorf("expected fuzzy threshold 0.85, got %v", cfg.Linkage.FuzzyThreshold)
	}
	if cfg.Linkage.Retention != 10*time.Minute {
		t.Errorf("expected linkage retention 10m, got %v", cfg.Linkage.Retention)
	}
	if cfg.Linkage.MaxPending != 600 {
		t.Errorf("expected max pending 600, got %d", cfg.Linkage.MaxPending)
	}
	if cfg.Feature.Window != time.Second {
		t.Errorf("expected feature window 1s, got %v", cfg.Feature.Window)
	}
	if cfg.Feature.Lateness != 2*time.Second {
		t.Errorf("expected lateness 2s, got %v", cfg.Feature.Lateness)
	}
	if cfg.Feature.ArbStaleness != 5*time.Second {
		t.Errorf("expected arb staleness 5s, got %v", cfg.Feature.ArbStaleness)
	}
	if cfg.Collect.Cadence != 1.0 {
		t.Errorf("expected cadence 1/s, got %v", cfg.Collect.Cadence)
	}
	if cfg.Monitor.MissedChecks != 3 {
		t.Errorf("expected 3 missed checks, got %d", cfg.Monitor.MissedChecks)
	}

	if cfg.DB.Port != 5432 {
		t.Errorf("expected db port 5432, got %d", cfg.DB.Port)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected redis addr localhost:6379, got %s", cfg.Redis.Addr)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("COURTSIDE_ENV", "production")
	os.Setenv("COURTSIDE_KALSHI_API_KEY_ID", "test-key-id")
	os.Setenv("COURTSIDE_FEATURE_LATENESS", "3s")
	defer os.Unsetenv("COURTSIDE_ENV")
	defer os.Unsetenv("COURTSIDE_KALSHI_API_KEY_ID")
	defer os.Unsetenv("COURTSIDE_FEATURE_LATENESS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}
	if cfg.Kalshi.APIKeyID != "test-key-id" {
		t.Errorf("unexpected kalshi api key id: %s", cfg.Kalshi.APIKeyID)
	}
	if cfg.Feature.Lateness != 3*time.Second {
		t.Errorf("expected lateness override 3s, got %v", cfg.Feature.Lateness)
	}
}

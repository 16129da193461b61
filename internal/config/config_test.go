package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Migration.BandwidthLimitMBps != 0 {
		t.Errorf("bandwidth limit = %d, want 0 (unlimited)", cfg.Migration.BandwidthLimitMBps)
	}
	if !cfg.Migration.AutoRollback {
		t.Error("auto rollback should default on")
	}
	if !cfg.Migration.HealthChecks {
		t.Error("health checks should default on")
	}
	if cfg.Migration.MaxConcurrent != 1 {
		t.Errorf("max concurrent = %d, want 1", cfg.Migration.MaxConcurrent)
	}
	if cfg.Migration.HealthCheckInterval != 10*time.Second {
		t.Errorf("health check interval = %v, want 10s", cfg.Migration.HealthCheckInterval)
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Errorf("server address = %s", cfg.Server.Address())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HORCRUX_MIGRATION_BANDWIDTH_LIMIT_MBPS", "250")
	t.Setenv("HORCRUX_MIGRATION_MAX_CONCURRENT", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Migration.BandwidthLimitMBps != 250 {
		t.Errorf("bandwidth limit = %d, want 250", cfg.Migration.BandwidthLimitMBps)
	}
	if cfg.Migration.MaxConcurrent != 4 {
		t.Errorf("max concurrent = %d, want 4", cfg.Migration.MaxConcurrent)
	}
}

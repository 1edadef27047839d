package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Registry.MinTradeUSD != 500 {
		t.Errorf("min trade = %v, want default 500", cfg.Registry.MinTradeUSD)
	}
	if cfg.Cluster.WindowMinutes != 5 {
		t.Errorf("window = %d, want default 5", cfg.Cluster.WindowMinutes)
	}
	if len(cfg.Simulator.DelaysSec) != 3 {
		t.Errorf("delays = %v, want 3 defaults", cfg.Simulator.DelaysSec)
	}
}

func TestLoadOverridesAndBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
registry:
  min_trade_usd: 1000
cluster:
  min_cluster_usd: 10000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.MinTradeUSD != 1000 {
		t.Errorf("override lost: min trade = %v", cfg.Registry.MinTradeUSD)
	}
	if cfg.Cluster.MinClusterUSD != 10000 {
		t.Errorf("override lost: min cluster = %v", cfg.Cluster.MinClusterUSD)
	}
	// Unspecified values come back as defaults.
	if cfg.Registry.BaseConfidence != 0.50 {
		t.Errorf("base confidence = %v, want backfilled 0.50", cfg.Registry.BaseConfidence)
	}
	if cfg.Feed.InitialBackoffMS != 5000 {
		t.Errorf("backoff = %d, want backfilled 5000", cfg.Feed.InitialBackoffMS)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("cluster: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("unparseable config did not error")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.Cluster.Window() != 5*time.Minute {
		t.Errorf("window = %v", cfg.Cluster.Window())
	}
	if cfg.Tracker.Tolerance() != 120*time.Second {
		t.Errorf("tolerance = %v", cfg.Tracker.Tolerance())
	}
	if cfg.Registry.InactivityThreshold() != 72*time.Hour {
		t.Errorf("inactivity = %v", cfg.Registry.InactivityThreshold())
	}
	if cfg.Registry.HardExpiry() != 30*24*time.Hour {
		t.Errorf("hard expiry = %v", cfg.Registry.HardExpiry())
	}
	if cfg.Simulator.DrainTimeout() != 30*time.Second {
		t.Errorf("drain = %v", cfg.Simulator.DrainTimeout())
	}
}

// Package config loads engine configuration from YAML with sane defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// FeedConfig controls the trade-feed WebSocket connection.
type FeedConfig struct {
	URL              string `yaml:"url"`
	InitialBackoffMS int    `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int    `yaml:"max_backoff_ms"`
}

// TrackerConfig bounds the per-market price history.
type TrackerConfig struct {
	MaxSamplesPerMarket int `yaml:"max_samples_per_market"`
	ToleranceSec        int `yaml:"tolerance_sec"`
	FlushIntervalSec    int `yaml:"flush_interval_sec"`
}

// RegistryConfig defines whale discovery and confidence decay parameters.
// Constants here vary across deployments; treat them as tuning knobs, not
// invariants.
type RegistryConfig struct {
	MinTradeUSD      float64 `yaml:"min_trade_usd"`
	BaseConfidence   float64 `yaml:"base_confidence"`
	ConfidenceStep   float64 `yaml:"confidence_step"`
	DecayFloor       float64 `yaml:"decay_floor"`
	InactivityHours  int     `yaml:"inactivity_hours"`
	DecayHalfLifeH   int     `yaml:"decay_half_life_hours"`
	RetentionFloor   float64 `yaml:"retention_floor"`
	HardExpiryDays   int     `yaml:"hard_expiry_days"`
	FlushIntervalSec int     `yaml:"flush_interval_sec"`
	PruneIntervalSec int     `yaml:"prune_interval_sec"`
	ElitePath        string  `yaml:"elite_path"`
}

// ClusterConfig defines signal generation thresholds.
type ClusterConfig struct {
	WindowMinutes         int      `yaml:"window_minutes"`
	MinClusterUSD         float64  `yaml:"min_cluster_usd"`
	MinTrades             int      `yaml:"min_trades"`
	MinAvgHoldSec         int      `yaml:"min_avg_hold_sec"`
	MinDiscountPct        float64  `yaml:"min_discount_pct"`      // 2.0 = 2%
	MaxNegativePct        float64  `yaml:"max_negative_pct"`      // reject below -1%
	DepthMultiplier       float64  `yaml:"depth_multiplier"`      // book depth vs cluster notional
	MinConfidence         float64  `yaml:"min_confidence"`        // whale-confidence gate
	BypassOnLookupFailure bool     `yaml:"bypass_on_lookup_fail"` // bypass gate when the source errored
	ExcludeCategories     []string `yaml:"exclude_categories"`
	MaxSeenKeys           int      `yaml:"max_seen_keys"`
}

// SimulatorConfig defines delayed-execution simulation parameters.
type SimulatorConfig struct {
	DelaysSec             []int   `yaml:"delays_sec"`
	BaseSlippagePct       float64 `yaml:"base_slippage_pct"`   // fraction, 0.001 = 0.1%
	MediumTradeUSD        float64 `yaml:"medium_trade_usd"`    // adds medium increment above this
	MediumSlippagePct     float64 `yaml:"medium_slippage_pct"` // fraction
	LargeTradeUSD         float64 `yaml:"large_trade_usd"`
	LargeSlippagePct      float64 `yaml:"large_slippage_pct"`
	EliteMinConfidence    float64 `yaml:"elite_min_confidence"`
	StandardMinConfidence float64 `yaml:"standard_min_confidence"`
	PersistRetries        int     `yaml:"persist_retries"`
	DrainTimeoutSec       int     `yaml:"drain_timeout_sec"`
}

// MonitorConfig controls the periodic operational summary.
type MonitorConfig struct {
	SummaryIntervalSec int `yaml:"summary_interval_sec"`
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	DBPath string `yaml:"db_path"`
}

// Config aggregates all engine configuration knobs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Feed      FeedConfig      `yaml:"feed"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Registry  RegistryConfig  `yaml:"registry"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Data      DataConfig      `yaml:"data"`
}

// Load reads configuration from disk, falling back to defaults when the
// file is absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8082,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Feed: FeedConfig{
			URL:              "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			InitialBackoffMS: 5000,
			MaxBackoffMS:     60000,
		},
		Tracker: TrackerConfig{
			MaxSamplesPerMarket: 1000,
			ToleranceSec:        120,
			FlushIntervalSec:    60,
		},
		Registry: RegistryConfig{
			MinTradeUSD:      500,
			BaseConfidence:   0.50,
			ConfidenceStep:   0.05,
			DecayFloor:       0.30,
			InactivityHours:  72,
			DecayHalfLifeH:   24,
			RetentionFloor:   0.10,
			HardExpiryDays:   30,
			FlushIntervalSec: 30,
			PruneIntervalSec: 300,
			ElitePath:        filepath.Join("data", "elite_whales.json"),
		},
		Cluster: ClusterConfig{
			WindowMinutes:         5,
			MinClusterUSD:         5000,
			MinTrades:             1,
			MinAvgHoldSec:         30,
			MinDiscountPct:        2.0,
			MaxNegativePct:        1.0,
			DepthMultiplier:       3.0,
			MinConfidence:         0.65,
			BypassOnLookupFailure: false,
			ExcludeCategories:     []string{"sports"},
			MaxSeenKeys:           250000,
		},
		Simulator: SimulatorConfig{
			DelaysSec:             []int{60, 180, 300},
			BaseSlippagePct:       0.001,
			MediumTradeUSD:        5000,
			MediumSlippagePct:     0.001,
			LargeTradeUSD:         10000,
			LargeSlippagePct:      0.002,
			EliteMinConfidence:    0.50,
			StandardMinConfidence: 0.65,
			PersistRetries:        3,
			DrainTimeoutSec:       30,
		},
		Monitor: MonitorConfig{
			SummaryIntervalSec: 60,
		},
		Data: DataConfig{
			DBPath: filepath.Join("data", "whalewatch.db"),
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Feed.URL == "" {
		c.Feed.URL = def.Feed.URL
	}
	if c.Feed.InitialBackoffMS == 0 {
		c.Feed.InitialBackoffMS = def.Feed.InitialBackoffMS
	}
	if c.Feed.MaxBackoffMS == 0 {
		c.Feed.MaxBackoffMS = def.Feed.MaxBackoffMS
	}
	if c.Tracker.MaxSamplesPerMarket == 0 {
		c.Tracker.MaxSamplesPerMarket = def.Tracker.MaxSamplesPerMarket
	}
	if c.Tracker.ToleranceSec == 0 {
		c.Tracker.ToleranceSec = def.Tracker.ToleranceSec
	}
	if c.Tracker.FlushIntervalSec == 0 {
		c.Tracker.FlushIntervalSec = def.Tracker.FlushIntervalSec
	}
	if c.Registry.BaseConfidence == 0 {
		c.Registry.BaseConfidence = def.Registry.BaseConfidence
	}
	if c.Registry.ConfidenceStep == 0 {
		c.Registry.ConfidenceStep = def.Registry.ConfidenceStep
	}
	if c.Registry.InactivityHours == 0 {
		c.Registry.InactivityHours = def.Registry.InactivityHours
	}
	if c.Registry.DecayHalfLifeH == 0 {
		c.Registry.DecayHalfLifeH = def.Registry.DecayHalfLifeH
	}
	if c.Registry.HardExpiryDays == 0 {
		c.Registry.HardExpiryDays = def.Registry.HardExpiryDays
	}
	if c.Registry.FlushIntervalSec == 0 {
		c.Registry.FlushIntervalSec = def.Registry.FlushIntervalSec
	}
	if c.Registry.PruneIntervalSec == 0 {
		c.Registry.PruneIntervalSec = def.Registry.PruneIntervalSec
	}
	if c.Cluster.WindowMinutes == 0 {
		c.Cluster.WindowMinutes = def.Cluster.WindowMinutes
	}
	if c.Cluster.DepthMultiplier == 0 {
		c.Cluster.DepthMultiplier = def.Cluster.DepthMultiplier
	}
	if c.Cluster.MaxSeenKeys == 0 {
		c.Cluster.MaxSeenKeys = def.Cluster.MaxSeenKeys
	}
	if len(c.Simulator.DelaysSec) == 0 {
		c.Simulator.DelaysSec = def.Simulator.DelaysSec
	}
	if c.Simulator.PersistRetries == 0 {
		c.Simulator.PersistRetries = def.Simulator.PersistRetries
	}
	if c.Simulator.DrainTimeoutSec == 0 {
		c.Simulator.DrainTimeoutSec = def.Simulator.DrainTimeoutSec
	}
	if c.Monitor.SummaryIntervalSec == 0 {
		c.Monitor.SummaryIntervalSec = def.Monitor.SummaryIntervalSec
	}
	if c.Data.DBPath == "" {
		c.Data.DBPath = def.Data.DBPath
	}
}

// Window returns the cluster time window as a duration.
func (c ClusterConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Tolerance returns the lookup tolerance as a duration.
func (c TrackerConfig) Tolerance() time.Duration {
	return time.Duration(c.ToleranceSec) * time.Second
}

// InactivityThreshold returns the idle duration after which confidence decays.
func (c RegistryConfig) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityHours) * time.Hour
}

// HardExpiry returns the retention window for decayed records.
func (c RegistryConfig) HardExpiry() time.Duration {
	return time.Duration(c.HardExpiryDays) * 24 * time.Hour
}

// DrainTimeout returns how long shutdown waits for outstanding delay checks.
func (c SimulatorConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSec) * time.Second
}

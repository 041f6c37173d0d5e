// Package config loads the module's YAML configuration: read file,
// unmarshal, validate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
)

// DatabaseConfig holds Postgres connection parameters.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// CacheConfig holds the two-layer cache's tunables.
type CacheConfig struct {
	FastTTLSeconds      int    `yaml:"fast_ttl_seconds"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisDB             int    `yaml:"redis_db"`
	DurableExpiryDays   int    `yaml:"durable_expiry_days"`
	ProcessingVersion   string `yaml:"processing_version"`
}

// QualityThresholds holds C1's quality-gate configuration.
type QualityThresholds struct {
	MinSamples  int     `yaml:"min_samples"`
	MinStd      float64 `yaml:"min_std"`
	MinDuration float64 `yaml:"min_duration_seconds"`
	MaxDuration float64 `yaml:"max_duration_seconds"`
}

// SignalConfig holds C1's filter configuration defaults.
type SignalConfig struct {
	HighpassCutoffHz float64           `yaml:"highpass_cutoff_hz"`
	LowpassCutoffHz  float64           `yaml:"lowpass_cutoff_hz"`
	FilterOrder      int               `yaml:"filter_order"`
	SmoothingWindowMs float64          `yaml:"smoothing_window_ms"`
	Quality          QualityThresholds `yaml:"quality"`
}

// ContractionConfig holds C2's default thresholds.
type ContractionConfig struct {
	ThresholdFactor      float64 `yaml:"threshold_factor"`
	MinDurationMs        float64 `yaml:"min_duration_ms"`
	HysteresisGapMs      float64 `yaml:"hysteresis_gap_ms"`
	DefaultMVCPct        float64 `yaml:"default_mvc_threshold_pct"`
	DefaultDurationMs    float64 `yaml:"default_duration_threshold_ms"`
	ExpectedPerMuscle    int     `yaml:"default_expected_contractions_per_muscle"`
}

// ScoringConfig holds C4/C5's weights and RPE mapping defaults.
type ScoringConfig struct {
	Main       domain.Weights    `yaml:"main"`
	Sub        domain.SubWeights `yaml:"sub"`
	Tolerance  float64           `yaml:"tolerance"`
	DefaultRPE int               `yaml:"default_rpe"`
	RPEMapping map[string]float64 `yaml:"rpe_mapping"`
}

// WebhookConfig holds C9's tunables.
type WebhookConfig struct {
	Secret              string        `yaml:"secret"`
	IdempotencyWindow   time.Duration `yaml:"idempotency_window"`
	DeduplicationEnabled bool         `yaml:"deduplication_enabled"`
	ExpectedBucket      string        `yaml:"expected_bucket"`
}

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	ResponseBudget      time.Duration `yaml:"response_budget"`
	PerFileTimeout      time.Duration `yaml:"per_file_timeout"`
	WorkerCount         int           `yaml:"worker_count"`
	QueueDepth          int           `yaml:"queue_depth"`
}

// StorageConfig holds the object-storage client's connection details.
type StorageConfig struct {
	BaseURL    string        `yaml:"base_url"`
	ServiceKey string        `yaml:"service_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Config is the root configuration document.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Cache       CacheConfig       `yaml:"cache"`
	Signal      SignalConfig      `yaml:"signal"`
	Contraction ContractionConfig `yaml:"contraction"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	LogLevel    string            `yaml:"log_level"`
}

// Default returns a Config populated with the module's standard defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Cache: CacheConfig{
			FastTTLSeconds:    24 * 60 * 60,
			DurableExpiryDays: 30,
			ProcessingVersion: "1.0.0",
		},
		Signal: SignalConfig{
			HighpassCutoffHz:  20.0,
			LowpassCutoffHz:   10.0,
			FilterOrder:       4,
			SmoothingWindowMs: 50.0,
			Quality: QualityThresholds{
				MinSamples:  1000,
				MinStd:      1e-10,
				MinDuration: 10.0,
				MaxDuration: 600.0,
			},
		},
		Contraction: ContractionConfig{
			ThresholdFactor:   0.3,
			MinDurationMs:     50.0,
			HysteresisGapMs:   100.0,
			ExpectedPerMuscle: 12,
		},
		Scoring: ScoringConfig{
			Main:       domain.Weights{Compliance: 0.40, Symmetry: 0.25, Effort: 0.20, Game: 0.15},
			Sub:        domain.SubWeights{Completion: 0.34, Intensity: 0.33, Duration: 0.33},
			Tolerance:  0.001,
			DefaultRPE: 4,
			RPEMapping: map[string]float64{"4": 100.0},
		},
		Webhook: WebhookConfig{
			IdempotencyWindow:    5 * time.Minute,
			DeduplicationEnabled: true,
			ExpectedBucket:       "c3d-examples",
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			ResponseBudget: 1 * time.Second,
			PerFileTimeout: 10 * time.Minute,
			QueueDepth:     256,
		},
		Storage: StorageConfig{
			Timeout: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file layered on top of Default(),
// then validates it.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the scoring weight-sum invariant and the Nyquist
// shape of the signal-processing defaults.
func (c *Config) Validate() error {
	tol := c.Scoring.Tolerance
	if tol <= 0 {
		tol = 0.001
	}
	mainSum := c.Scoring.Main.Compliance + c.Scoring.Main.Symmetry + c.Scoring.Main.Effort + c.Scoring.Main.Game
	if abs(mainSum-1.0) > tol {
		return fmt.Errorf("scoring.main weights sum to %.6f, want 1.0 ± %.4f", mainSum, tol)
	}
	subSum := c.Scoring.Sub.Completion + c.Scoring.Sub.Intensity + c.Scoring.Sub.Duration
	if abs(subSum-1.0) > tol {
		return fmt.Errorf("scoring.sub weights sum to %.6f, want 1.0 ± %.4f", subSum, tol)
	}
	// ProcessingParameters' Nyquist invariant is 0 < low-cutoff < high-cutoff
	// < rate/2. In this envelope-extraction pipeline the "low" cutoff is the
	// low-pass stage applied after rectification (default 10 Hz) and the
	// "high" cutoff is the high-pass stage applied to the raw signal
	// (default 20 Hz); rate/2 is checked per-signal since it depends on fs.
	if c.Signal.LowpassCutoffHz <= 0 || c.Signal.HighpassCutoffHz <= c.Signal.LowpassCutoffHz {
		return fmt.Errorf("signal cutoffs must satisfy 0 < lowpass < highpass, got %.2f/%.2f",
			c.Signal.LowpassCutoffHz, c.Signal.HighpassCutoffHz)
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

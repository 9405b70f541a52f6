package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide immutable tuning block, read once at startup
// (spec.md 6). Every field below maps to one enumerated configuration
// option in that section.
type Config struct {
	Detection DetectionConfig `yaml:"detection"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DetectionConfig groups every tuning knob for the training/detection core.
type DetectionConfig struct {
	TrainSecs         int64   `yaml:"train_secs"`
	MinTrainSecs      int64   `yaml:"min_train_secs"`
	TrainEvery        int64   `yaml:"train_every_secs"`
	DiffN             int     `yaml:"diff_n"`
	SmoothN           int     `yaml:"smooth_n"`
	LagN              int     `yaml:"lag_n"`
	HostsToSkip       string  `yaml:"hosts_to_skip"`
	ChartsToSkip      string  `yaml:"charts_to_skip"`
	AnomalyScoreThreshold float64 `yaml:"anomaly_score_threshold"`
	AnomalyRateThreshold  float64 `yaml:"anomalous_host_rate_threshold"`
	ADWindowSize          int     `yaml:"ad_window_size"`
	ADWindowRateThreshold float64 `yaml:"ad_window_rate_threshold"`
	ADUnitRateThreshold   float64 `yaml:"ad_unit_rate_threshold"`
	DetectorWindow        int     `yaml:"detector_window"`
	MinTrainSamples       int     `yaml:"min_train_samples"`
}

// StorageConfig configures AnomalyStore (spec.md 4.8, 6).
type StorageConfig struct {
	DatabasePath   string               `yaml:"database_path"`
	Retention      time.Duration        `yaml:"retention"`
	CleanupEvery   time.Duration        `yaml:"cleanup_every"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// ConnectionPoolConfig mirrors the pool tuning the teacher exposes for its
// own SQLite-backed store.
type ConnectionPoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ServerConfig contains the HTTP surface in internal/api.
type ServerConfig struct {
	BindAddress string        `yaml:"bind_address"`
	HealthPath  string        `yaml:"health_path"`
	APIBasePath string        `yaml:"api_base_path"`
	RateLimit   float64       `yaml:"rate_limit_per_sec"`
	RateBurst   int           `yaml:"rate_burst"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// TelemetryConfig configures tracing and metrics publication.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint,omitempty"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// LoggingConfig controls the zap logger built in cmd/hostml-agent.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadDefault returns a validated, fully-defaulted configuration for
// zero-config runs (the run command without --config).
func LoadDefault() (*Config, error) {
	cfg := DefaultConfig()
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid default configuration: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path, applies defaults
// for anything left unset, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults, matching the tuning values
// used throughout the original ml subsystem's own Config.h defaults where
// spec.md does not pin a specific number.
func DefaultConfig() *Config {
	return &Config{
		Detection: DetectionConfig{
			TrainSecs:             6 * 3600,
			MinTrainSecs:          1 * 3600,
			TrainEvery:            3 * 3600,
			DiffN:                 1,
			SmoothN:               3,
			LagN:                  5,
			HostsToSkip:           "",
			ChartsToSkip:          "",
			AnomalyScoreThreshold: 0.99,
			AnomalyRateThreshold:  1.0,
			ADWindowSize:          30,
			ADWindowRateThreshold: 0.5,
			ADUnitRateThreshold:   0.05,
			DetectorWindow:        30,
			MinTrainSamples:       128,
		},
		Storage: StorageConfig{
			DatabasePath: "hostml.db",
			Retention:    30 * 24 * time.Hour,
			CleanupEvery: 1 * time.Hour,
			ConnectionPool: ConnectionPoolConfig{
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: 2 * time.Hour,
			},
		},
		Server: ServerConfig{
			BindAddress: "0.0.0.0:9191",
			HealthPath:  "/healthz",
			APIBasePath: "/api/v1",
			RateLimit:   10,
			RateBurst:   20,
			ReadTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			ServiceName:    "hostml-agent",
			ServiceVersion: "dev",
			SamplingRate:   0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ValidationError is one field-scoped configuration problem.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// ValidationResult aggregates every error found by validate.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// Error implements the error interface so a *ValidationResult can be
// returned directly as the error from Load/LoadDefault.
func (vr *ValidationResult) Error() string {
	if len(vr.Errors) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(vr.Errors)))
	for i, e := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, e.Field, e.Message))
	}
	return sb.String()
}

// Validate re-runs the same checks Load applies, returning the full result
// instead of collapsing it into an error. The validate CLI command uses
// this to report every problem at once rather than stopping at the first.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if err := validate(cfg); err != nil {
		if vr, ok := err.(*ValidationResult); ok {
			return vr
		}
	}
	return result
}

// validate checks the configuration for out-of-range and inconsistent
// values. Any failure here is a startup-time fatal error, per spec.md 7
// "Configuration errors at startup are fatal".
func validate(cfg *Config) error {
	result := &ValidationResult{Valid: true}

	d := &cfg.Detection
	if d.TrainSecs <= 0 {
		result.Errors = append(result.Errors, ValidationError{"detection.train_secs", d.TrainSecs, "must be positive"})
	}
	if d.MinTrainSecs <= 0 || d.MinTrainSecs > d.TrainSecs {
		result.Errors = append(result.Errors, ValidationError{"detection.min_train_secs", d.MinTrainSecs, "must be positive and not exceed train_secs"})
	}
	if d.TrainEvery <= 0 {
		result.Errors = append(result.Errors, ValidationError{"detection.train_every_secs", d.TrainEvery, "must be positive"})
	}
	if d.DiffN < 0 {
		result.Errors = append(result.Errors, ValidationError{"detection.diff_n", d.DiffN, "must be >= 0"})
	}
	if d.SmoothN < 1 {
		result.Errors = append(result.Errors, ValidationError{"detection.smooth_n", d.SmoothN, "must be >= 1"})
	}
	if d.LagN < 0 {
		result.Errors = append(result.Errors, ValidationError{"detection.lag_n", d.LagN, "must be >= 0"})
	}
	if d.AnomalyScoreThreshold < 0 || d.AnomalyScoreThreshold > 1 {
		result.Errors = append(result.Errors, ValidationError{"detection.anomaly_score_threshold", d.AnomalyScoreThreshold, "must be in [0,1]"})
	}
	if d.AnomalyRateThreshold < 0 || d.AnomalyRateThreshold > 1 {
		result.Errors = append(result.Errors, ValidationError{"detection.anomalous_host_rate_threshold", d.AnomalyRateThreshold, "must be in [0,1]"})
	}
	if d.ADWindowSize <= 0 {
		result.Errors = append(result.Errors, ValidationError{"detection.ad_window_size", d.ADWindowSize, "must be positive"})
	}
	if d.ADWindowRateThreshold < 0 || d.ADWindowRateThreshold > 1 {
		result.Errors = append(result.Errors, ValidationError{"detection.ad_window_rate_threshold", d.ADWindowRateThreshold, "must be in [0,1]"})
	}
	if d.ADUnitRateThreshold < 0 || d.ADUnitRateThreshold > 1 {
		result.Errors = append(result.Errors, ValidationError{"detection.ad_unit_rate_threshold", d.ADUnitRateThreshold, "must be in [0,1]"})
	}
	if d.DetectorWindow <= 0 {
		result.Errors = append(result.Errors, ValidationError{"detection.detector_window", d.DetectorWindow, "must be positive"})
	}
	if d.MinTrainSamples <= 0 {
		result.Errors = append(result.Errors, ValidationError{"detection.min_train_samples", d.MinTrainSamples, "must be positive"})
	}

	s := &cfg.Storage
	if s.DatabasePath == "" {
		result.Errors = append(result.Errors, ValidationError{"storage.database_path", s.DatabasePath, "must not be empty"})
	}
	if s.ConnectionPool.MaxOpenConns <= 0 {
		result.Errors = append(result.Errors, ValidationError{"storage.connection_pool.max_open_conns", s.ConnectionPool.MaxOpenConns, "must be positive"})
	}

	srv := &cfg.Server
	if srv.BindAddress == "" {
		result.Errors = append(result.Errors, ValidationError{"server.bind_address", srv.BindAddress, "must not be empty"})
	}
	if srv.RateLimit <= 0 {
		result.Errors = append(result.Errors, ValidationError{"server.rate_limit_per_sec", srv.RateLimit, "must be positive"})
	}

	t := &cfg.Telemetry
	if t.Enabled && (t.SamplingRate < 0 || t.SamplingRate > 1) {
		result.Errors = append(result.Errors, ValidationError{"telemetry.sampling_rate", t.SamplingRate, "must be in [0,1]"})
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		result.Errors = append(result.Errors, ValidationError{"logging.level", cfg.Logging.Level, "must be one of debug, info, warn, error"})
	}

	result.Valid = len(result.Errors) == 0
	if !result.Valid {
		return result
	}
	return nil
}

// ADWindowThreshold returns T = ceil(ADWindowSize * ADWindowRateThreshold),
// the popcount threshold RollingBitWindow is constructed with (spec.md 6).
func (d DetectionConfig) ADWindowThreshold() int {
	t := int(d.ADWindowRateThreshold * float64(d.ADWindowSize))
	if float64(t) < d.ADWindowRateThreshold*float64(d.ADWindowSize) {
		t++
	}
	return t
}

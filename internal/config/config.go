// Package config holds the fixed option set for a probe process.
// Options load from the environment under the TENSORLENS_ prefix and
// validate against a closed field list; runtime updates go through
// ApplyUpdate so an unknown or malformed field is an error instead of
// a silently attached attribute.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/tensorlens/tensorlens/internal/core"
)

// Config validation errors
var (
	ErrInvalidListenAddr        = errors.New("listen_addr cannot be empty")
	ErrInvalidMode              = errors.New("mode must be light, debug, or hybrid")
	ErrInvalidSamplingRate      = errors.New("sampling_rate must be in (0, 1]")
	ErrInvalidDiffThreshold     = errors.New("diff_threshold must be >= 0")
	ErrInvalidRetention         = errors.New("retention must be >= 0")
	ErrInvalidHistorySize       = errors.New("history size must be positive")
	ErrInvalidBreakpointTimeout = errors.New("breakpoint_timeout must be positive")
	ErrInvalidActionTimeout     = errors.New("action_timeout must be positive")
	ErrInvalidMaxTensorBytes    = errors.New("max_tensor_bytes must be positive")
	ErrInvalidLogFormat         = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel          = errors.New("log_level must be debug, info, warn, or error")
)

// ErrUnknownConfigField rejects updates naming a field outside the
// fixed option set.
type ErrUnknownConfigField struct {
	Field string
}

func (e *ErrUnknownConfigField) Error() string {
	return fmt.Sprintf("unknown config field: %s", e.Field)
}

// Config is the complete option set. Static fields (addresses,
// retentions, history sizes) bind at construction; the dynamic subset
// is readable via Runtime and writable via ApplyUpdate.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8089"`
	FlightAddr  string `envconfig:"FLIGHT_ADDR" default:""`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"127.0.0.1:9090"`

	Mode          string  `envconfig:"MODE" default:"hybrid"`
	SamplingRate  float64 `envconfig:"SAMPLING_RATE" default:"1.0"`
	DiffThreshold float64 `envconfig:"DIFF_THRESHOLD" default:"1e-6"`

	TensorRetention   time.Duration `envconfig:"TENSOR_RETENTION" default:"1h"`
	MetricRetention   time.Duration `envconfig:"METRIC_RETENTION" default:"1h"`
	MetricHistory     int           `envconfig:"METRIC_HISTORY" default:"1000"`
	BreakpointHistory int           `envconfig:"BREAKPOINT_HISTORY" default:"100"`

	BreakpointTimeout time.Duration `envconfig:"BREAKPOINT_TIMEOUT" default:"5m"`
	ActionTimeout     time.Duration `envconfig:"ACTION_TIMEOUT" default:"5s"`

	MaxTensorBytes int64 `envconfig:"MAX_TENSOR_BYTES" default:"10485760"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	mu sync.RWMutex
}

// Default returns the option set with every field at its default.
func Default() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8089",
		MetricsAddr:       "127.0.0.1:9090",
		Mode:              string(core.ModeHybrid),
		SamplingRate:      1.0,
		DiffThreshold:     1e-6,
		TensorRetention:   time.Hour,
		MetricRetention:   time.Hour,
		MetricHistory:     1000,
		BreakpointHistory: 100,
		BreakpointTimeout: 5 * time.Minute,
		ActionTimeout:     5 * time.Second,
		MaxTensorBytes:    10 * 1024 * 1024,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// FromEnv loads and validates options from TENSORLENS_* variables.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("TENSORLENS", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its allowed range.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if !core.Mode(c.Mode).Valid() {
		return ErrInvalidMode
	}
	if c.SamplingRate <= 0 || c.SamplingRate > 1 {
		return ErrInvalidSamplingRate
	}
	if c.DiffThreshold < 0 {
		return ErrInvalidDiffThreshold
	}
	if c.TensorRetention < 0 || c.MetricRetention < 0 {
		return ErrInvalidRetention
	}
	if c.MetricHistory <= 0 || c.BreakpointHistory <= 0 {
		return ErrInvalidHistorySize
	}
	if c.BreakpointTimeout <= 0 {
		return ErrInvalidBreakpointTimeout
	}
	if c.ActionTimeout <= 0 {
		return ErrInvalidActionTimeout
	}
	if c.MaxTensorBytes <= 0 {
		return ErrInvalidMaxTensorBytes
	}
	if c.LogFormat != "json" && c.LogFormat != "console" && c.LogFormat != "text" {
		return ErrInvalidLogFormat
	}
	if c.LogLevel != "debug" && c.LogLevel != "info" && c.LogLevel != "warn" && c.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}

// Runtime is the dynamic subset a probe consults on every call.
type Runtime struct {
	Mode          core.Mode
	SamplingRate  float64
	DiffThreshold float64
}

// Runtime returns a consistent view of the dynamic options.
func (c *Config) Runtime() Runtime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Runtime{
		Mode:          core.Mode(c.Mode),
		SamplingRate:  c.SamplingRate,
		DiffThreshold: c.DiffThreshold,
	}
}

// Timeouts returns the current breakpoint and action timeouts.
func (c *Config) Timeouts() (breakpoint, action time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.BreakpointTimeout, c.ActionTimeout
}

// ApplyUpdate changes one dynamic field at runtime. The field name is
// checked against the fixed set: unknown names fail with
// ErrUnknownConfigField, static fields fail as invalid arguments, and
// values parse strictly before anything mutates.
func (c *Config) ApplyUpdate(field string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch field {
	case "mode":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		if !core.Mode(s).Valid() {
			return ErrInvalidMode
		}
		c.Mode = s
	case "sampling_rate":
		f, err := asFloat(field, value)
		if err != nil {
			return err
		}
		if f <= 0 || f > 1 {
			return ErrInvalidSamplingRate
		}
		c.SamplingRate = f
	case "diff_threshold":
		f, err := asFloat(field, value)
		if err != nil {
			return err
		}
		if f < 0 {
			return ErrInvalidDiffThreshold
		}
		c.DiffThreshold = f
	case "breakpoint_timeout":
		d, err := asDuration(field, value)
		if err != nil {
			return err
		}
		if d <= 0 {
			return ErrInvalidBreakpointTimeout
		}
		c.BreakpointTimeout = d
	case "action_timeout":
		d, err := asDuration(field, value)
		if err != nil {
			return err
		}
		if d <= 0 {
			return ErrInvalidActionTimeout
		}
		c.ActionTimeout = d
	case "listen_addr", "flight_addr", "metrics_addr",
		"tensor_retention", "metric_retention",
		"metric_history", "breakpoint_history",
		"max_tensor_bytes", "log_level", "log_format":
		return core.NewInvalidArgumentError(field, "cannot be changed at runtime")
	default:
		return &ErrUnknownConfigField{Field: field}
	}
	return nil
}

func asString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", core.NewInvalidArgumentError(field, fmt.Sprintf("want string, got %T", v))
	}
	return s, nil
}

func asFloat(field string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, core.NewInvalidArgumentError(field, err.Error())
		}
		return f, nil
	default:
		return 0, core.NewInvalidArgumentError(field, fmt.Sprintf("want number, got %T", v))
	}
}

// asDuration accepts a Go duration string or a bare number of seconds,
// which is what JSON-speaking observers send.
func asDuration(field string, v any) (time.Duration, error) {
	switch n := v.(type) {
	case string:
		d, err := time.ParseDuration(n)
		if err != nil {
			return 0, core.NewInvalidArgumentError(field, err.Error())
		}
		return d, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	default:
		return 0, core.NewInvalidArgumentError(field, fmt.Sprintf("want duration, got %T", v))
	}
}

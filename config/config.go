// Package config loads the settings of a simulation run from a config file,
// a .env file and SIMLOG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/eventlog"
	"github.com/sarchlab/simlog/simulation"
	"github.com/sarchlab/simlog/timing"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SIMLOG"

// Config holds all the settings of a run.
type Config struct {
	MaxDispatchDepth int    `mapstructure:"max_dispatch_depth"`
	ErrorPolicy      string `mapstructure:"error_policy"`
	DurabilityPolicy string `mapstructure:"durability_policy"`

	FlushEveryEvents int           `mapstructure:"flush_every_events"`
	FlushEveryWall   time.Duration `mapstructure:"flush_every_wall"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`
	BufferLimit      int           `mapstructure:"buffer_limit"`

	HorizonTime   float64 `mapstructure:"horizon_time"`
	HorizonEvents uint64  `mapstructure:"horizon_events"`

	AllowDuplicateSubscription bool `mapstructure:"allow_duplicate_subscription"`
	StrictUnsubscribe          bool `mapstructure:"strict_unsubscribe"`

	Sink    SinkConfig    `mapstructure:"sink"`
	Log     LogConfig     `mapstructure:"log"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// SinkConfig selects where the event log is written.
type SinkConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
}

// MonitorConfig configures the HTTP monitor.
type MonitorConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Port        int  `mapstructure:"port"`
	OpenBrowser bool `mapstructure:"open_browser"`
}

var defaults = map[string]any{
	"max_dispatch_depth":           dispatch.DefaultMaxDepth,
	"error_policy":                 string(dispatch.IsolateAndContinue),
	"durability_policy":            "",
	"flush_every_events":           1000,
	"flush_every_wall":             time.Duration(0),
	"flush_timeout":                eventlog.DefaultFlushTimeout,
	"buffer_limit":                 100000,
	"horizon_time":                 0.0,
	"horizon_events":               uint64(0),
	"allow_duplicate_subscription": false,
	"strict_unsubscribe":           false,
	"sink.backend":                 string(eventlog.JSONFile),
	"sink.path":                    "",
	"sink.dsn":                     "",
	"log.level":                    "info",
	"log.dev":                      false,
	"monitor.enabled":              false,
	"monitor.port":                 0,
	"monitor.open_browser":         false,
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}

	return cfg
}

// Load reads .env from the working directory if present, then the config
// file at path if path is not empty, then SIMLOG_* environment variables.
// Later sources override earlier ones.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	v := newViper()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	return cfg, nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxDispatchDepth <= 0 {
		errs = append(errs, fmt.Errorf("max_dispatch_depth must be positive, got %d",
			c.MaxDispatchDepth))
	}

	if !dispatch.ErrorPolicy(c.ErrorPolicy).Valid() {
		errs = append(errs, fmt.Errorf("unknown error_policy %q", c.ErrorPolicy))
	}

	if !simulation.DurabilityPolicy(c.DurabilityPolicy).Valid() {
		errs = append(errs, fmt.Errorf("unknown durability_policy %q",
			c.DurabilityPolicy))
	}

	if c.FlushEveryEvents < 0 || c.FlushEveryWall < 0 ||
		c.FlushTimeout < 0 || c.BufferLimit < 0 {
		errs = append(errs, errors.New("flush settings must not be negative"))
	}

	if c.HorizonTime < 0 {
		errs = append(errs, fmt.Errorf("horizon_time must not be negative, got %v",
			c.HorizonTime))
	}

	switch eventlog.BackendKind(c.Sink.Backend) {
	case eventlog.JSONFile, eventlog.SQLite:
	case eventlog.Postgres:
		if c.Sink.DSN == "" {
			errs = append(errs, errors.New("sink.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.backend %q", c.Sink.Backend))
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid monitor.port %d", c.Monitor.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}

	return nil
}

// DispatchOptions converts the settings for the dispatch manager.
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		MaxDepth:                   c.MaxDispatchDepth,
		ErrorPolicy:                dispatch.ErrorPolicy(c.ErrorPolicy),
		AllowDuplicateSubscription: c.AllowDuplicateSubscription,
		StrictUnsubscribe:          c.StrictUnsubscribe,
	}
}

// SinkOptions converts the settings for the event log buffer.
func (c *Config) SinkOptions() eventlog.Options {
	return eventlog.Options{
		FlushTimeout: c.FlushTimeout,
		BufferLimit:  c.BufferLimit,
		FlushAtExit:  true,
	}
}

// BackendConfig converts the settings for the event log storage.
func (c *Config) BackendConfig() eventlog.BackendConfig {
	return eventlog.BackendConfig{
		Kind: eventlog.BackendKind(c.Sink.Backend),
		Path: c.Sink.Path,
		DSN:  c.Sink.DSN,
	}
}

// InterceptorOptions converts the settings for the interceptor.
func (c *Config) InterceptorOptions() simulation.Options {
	return simulation.Options{
		Durability:       simulation.DurabilityPolicy(c.DurabilityPolicy),
		FlushEveryEvents: c.FlushEveryEvents,
		FlushEveryWall:   c.FlushEveryWall,
		HorizonTime:      timing.VTimeInSec(c.HorizonTime),
		HorizonEvents:    c.HorizonEvents,
	}
}

// Apply configures a simulation builder.
func (c *Config) Apply(b simulation.Builder) simulation.Builder {
	return b.
		WithDispatchOptions(c.DispatchOptions()).
		WithSinkOptions(c.SinkOptions()).
		WithBackendConfig(c.BackendConfig()).
		WithOptions(c.InterceptorOptions())
}

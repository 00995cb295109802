// Package config holds the start-up configuration of simenv hosts: a YAML
// file overlaid with environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/internal/observability"
	"github.com/signalsfoundry/simenv/internal/sim/env"
)

// Environment variables read by FromEnv in addition to LOG_* and
// SIMENV_TRACING_*. Directory lists use the OS path list separator.
const (
	EnvPlugins     = "SIMENV_PLUGINS"
	EnvData        = "SIMENV_DATA"
	EnvMetricsAddr = "SIMENV_METRICS_ADDR"
	EnvHealthAddr  = "SIMENV_HEALTH_ADDR"
)

// Simulation configures the scheduler started by the host.
type Simulation struct {
	Delta     time.Duration `yaml:"delta"`
	RealTime  bool          `yaml:"real_time"`
	Autostart bool          `yaml:"autostart"`
}

// Config is the host configuration.
type Config struct {
	PluginDirs           []string                    `yaml:"plugin_dirs"`
	DataDirs             []string                    `yaml:"data_dirs"`
	CollisionPreferences []string                    `yaml:"collision_preferences"`
	Simulation           Simulation                  `yaml:"simulation"`
	Log                  logging.Config              `yaml:"log"`
	Tracing              observability.TracingConfig `yaml:"tracing"`
	MetricsAddr          string                      `yaml:"metrics_addr"`
	HealthAddr           string                      `yaml:"health_addr"`
	// RecorderPath enables the recorder problem when set.
	RecorderPath string `yaml:"recorder_path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDirs:             []string{"data"},
		CollisionPreferences: append([]string(nil), env.DefaultCollisionPreferences...),
		Simulation:           Simulation{Delta: env.DefaultDelta, RealTime: true},
		Log:                  logging.Config{Level: "info", Format: "text"},
		Tracing:              observability.DefaultTracingConfig(),
		MetricsAddr:          ":9090",
		HealthAddr:           ":50051",
	}
}

// Decode reads YAML from r over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Load reads the file at path, applies environment overrides and validates
// the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Decode(bytes.NewReader(data)); err != nil {
			return Config{}, err
		}
	}
	cfg = FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv overlays the environment variables on cfg.
func FromEnv(cfg Config) Config {
	if v, ok := os.LookupEnv(EnvPlugins); ok {
		cfg.PluginDirs = splitList(v)
	}
	if v, ok := os.LookupEnv(EnvData); ok {
		cfg.DataDirs = splitList(v)
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv(EnvHealthAddr); v != "" {
		cfg.HealthAddr = v
	}
	cfg.Log = logging.ConfigFromEnv(cfg.Log)
	cfg.Tracing = observability.ApplyTracingEnv(cfg.Tracing)
	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, p := range filepath.SplitList(v) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Simulation.Delta <= 0 {
		return fmt.Errorf("simulation.delta must be positive, got %s", c.Simulation.Delta)
	}
	for i, p := range c.CollisionPreferences {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("collision_preferences[%d] is empty", i)
		}
	}
	return c.Tracing.Validate()
}

// EnvOptions returns the environment options the configuration implies.
func (c Config) EnvOptions() []env.Option {
	return []env.Option{
		env.WithPluginDirs(c.PluginDirs...),
		env.WithCollisionPreferences(c.CollisionPreferences...),
		env.WithSimulationDefaults(c.Simulation.Delta, c.Simulation.RealTime, c.Simulation.Autostart),
	}
}

// Resolve finds name in the data directories. Absolute paths and paths that
// exist relative to the working directory are returned unchanged; otherwise
// name is returned as given.
func (c Config) Resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	for _, dir := range c.DataDirs {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return name
}

// Package conf defines the bridge configuration surface and loads it from
// YAML files through the kratos config layer.
package conf

import (
	"fmt"
	"time"

	kconfig "github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"

	"github.com/lumo-launcher/bridge/channel"
	"github.com/lumo-launcher/bridge/lifecycle"
	"github.com/lumo-launcher/bridge/router"
)

// Config is the full bridge configuration. Zero values fall back to the
// component defaults; Validate rejects values that cannot work at all.
type Config struct {
	Channel     channel.Config          `yaml:"channel" json:"channel"`
	Router      router.Config           `yaml:"router" json:"router"`
	Lifecycle   lifecycle.MonitorConfig `yaml:"lifecycle" json:"lifecycle"`
	Events      lifecycle.BusConfig     `yaml:"events" json:"events"`
	Correlation CorrelationConfig       `yaml:"correlation" json:"correlation"`
	Shutdown    ShutdownConfig          `yaml:"shutdown" json:"shutdown"`
}

// CorrelationConfig controls the request/response tracker.
type CorrelationConfig struct {
	// SweepInterval bounds worst-case timeout latency
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// ShutdownConfig controls graceful shutdown.
type ShutdownConfig struct {
	// DrainTimeout is how long in-flight deliveries may run before
	// remaining mailboxes are force-destroyed
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

// Default returns the default bridge configuration.
func Default() Config {
	return Config{
		Channel:     channel.DefaultConfig(),
		Router:      router.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultMonitorConfig(),
		Events:      lifecycle.DefaultBusConfig(),
		Correlation: CorrelationConfig{SweepInterval: 50 * time.Millisecond},
		Shutdown:    ShutdownConfig{DrainTimeout: 5 * time.Second},
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Channel.CapacityPerLane < 0 {
		return fmt.Errorf("channel.capacity_per_lane must not be negative")
	}
	if c.Channel.StarvationLimit < 0 {
		return fmt.Errorf("channel.starvation_limit must not be negative")
	}
	if c.Router.FanoutWorkers < 0 {
		return fmt.Errorf("router.fanout_workers must not be negative")
	}
	if c.Lifecycle.MaxMissed < 0 {
		return fmt.Errorf("lifecycle.max_missed must not be negative")
	}
	if c.Correlation.SweepInterval < 0 {
		return fmt.Errorf("correlation.sweep_interval must not be negative")
	}
	return nil
}

// Load reads the bridge configuration from a YAML file, overlaying it on the
// defaults. The file section key is "bridge".
func Load(path string) (Config, error) {
	cfg := Default()
	source := kconfig.New(kconfig.WithSource(file.NewSource(path)))
	defer func() { _ = source.Close() }()
	if err := source.Load(); err != nil {
		return cfg, fmt.Errorf("load bridge config %s: %w", path, err)
	}
	if err := source.Value("bridge").Scan(&cfg); err != nil {
		return cfg, fmt.Errorf("parse bridge config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

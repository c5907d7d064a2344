package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipepulse configuration.
type Config struct {
	Service ServiceConfig    `yaml:"service"`
	State   StateConfig      `yaml:"state"`
	API     APIConfig        `yaml:"api,omitempty"`
	Pool    PoolConfig       `yaml:"pool"`
	Workers []WorkerOverride `yaml:"workers,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
	// source is the parsed document, kept for SetPath.
	source *yaml.Node
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LockPath  string `yaml:"lock_path"`
}

// StateConfig defines the exchange journal.
type StateConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP status server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token is an optional bearer token required on every endpoint but /healthz.
	Token string `yaml:"token,omitempty"`
}

// PoolConfig describes every worker unless an override says otherwise.
type PoolConfig struct {
	Count   int      `yaml:"count"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`

	// Every is the tick period. RateHz, when set, takes its place.
	Every  time.Duration `yaml:"every"`
	RateHz float64       `yaml:"rate_hz,omitempty"`

	Scene int `yaml:"scene"`
	Shape int `yaml:"shape"`
	State int `yaml:"state"`

	Stderr          string        `yaml:"stderr"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	ExpectStartByte bool          `yaml:"expect_start_byte"`
}

// WorkerOverride replaces pool settings for one worker. Zero values inherit.
type WorkerOverride struct {
	ID      int      `yaml:"id"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Scene   *int     `yaml:"scene,omitempty"`
	Shape   *int     `yaml:"shape,omitempty"`
	State   *int     `yaml:"state,omitempty"`
	Stderr  string   `yaml:"stderr,omitempty"`
}

// WorkerConfig is the effective configuration of one worker.
type WorkerConfig struct {
	ID              int           `yaml:"id"`
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args,omitempty"`
	Dir             string        `yaml:"dir,omitempty"`
	Scene           int           `yaml:"scene"`
	Shape           int           `yaml:"shape"`
	State           int           `yaml:"state"`
	Stderr          string        `yaml:"stderr"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	ExpectStartByte bool          `yaml:"expect_start_byte"`
}

// Defaults returns a Config matching the classic harness: ten workers running
// ./main once a second with scene, shape and state all 1.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "pipepulse",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/pipepulse.lock",
		},
		State: StateConfig{
			Enabled:   true,
			Path:      "./data/journal.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8090",
		},
		Pool: PoolConfig{
			Count:       10,
			Command:     "./main",
			Every:       time.Second,
			Scene:       1,
			Shape:       1,
			State:       1,
			Stderr:      "merge",
			StopTimeout: 5 * time.Second,
		},
	}
}

// Period returns the tick period of every worker.
func (c *Config) Period() time.Duration {
	if c.Pool.RateHz > 0 {
		return time.Duration(float64(time.Second) / c.Pool.RateHz)
	}
	return c.Pool.Every
}

// Worker returns the effective configuration of worker id.
func (c *Config) Worker(id int) WorkerConfig {
	p := c.Pool
	wc := WorkerConfig{
		ID:              id,
		Command:         p.Command,
		Args:            append([]string(nil), p.Args...),
		Dir:             p.Dir,
		Scene:           p.Scene,
		Shape:           p.Shape,
		State:           p.State,
		Stderr:          p.Stderr,
		ExchangeTimeout: p.ExchangeTimeout,
		StopTimeout:     p.StopTimeout,
		ExpectStartByte: p.ExpectStartByte,
	}

	for _, o := range c.Workers {
		if o.ID != id {
			continue
		}
		if o.Command != "" {
			wc.Command = o.Command
		}
		if o.Args != nil {
			wc.Args = append([]string(nil), o.Args...)
		}
		if o.Dir != "" {
			wc.Dir = o.Dir
		}
		if o.Scene != nil {
			wc.Scene = *o.Scene
		}
		if o.Shape != nil {
			wc.Shape = *o.Shape
		}
		if o.State != nil {
			wc.State = *o.State
		}
		if o.Stderr != "" {
			wc.Stderr = o.Stderr
		}
	}
	return wc
}

// AllWorkers returns the effective configuration of every worker in id order.
func (c *Config) AllWorkers() []WorkerConfig {
	out := make([]WorkerConfig, 0, c.Pool.Count)
	for i := 0; i < c.Pool.Count; i++ {
		out = append(out, c.Worker(i))
	}
	return out
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "pipepulse.yaml"

const maxWorkers = 1024

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates a config file. A directory
// path is resolved to the pipepulse.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path, run with --config, or create one with 'pipepulse config init'", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err == nil && root.Kind == yaml.DocumentNode {
		cfg.source = &root
	}
	return cfg, nil
}

// Parse builds a validated Config from YAML bytes. Keys that are absent keep
// their default values; unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults fills values that were explicitly set to empty.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	cfg.Service.LogFormat = strings.ToLower(cfg.Service.LogFormat)

	if cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Pool.Stderr == "" {
		cfg.Pool.Stderr = defaults.Pool.Stderr
	}
	if cfg.Pool.StopTimeout == 0 {
		cfg.Pool.StopTimeout = defaults.Pool.StopTimeout
	}
	if cfg.Pool.Every == 0 && cfg.Pool.RateHz == 0 {
		cfg.Pool.Every = defaults.Pool.Every
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the variable.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Enabled && cfg.State.Path == "" {
		return fmt.Errorf("state.path is required when state.enabled is true")
	}
	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.token", cfg.API.Token); err != nil {
			return err
		}
	}

	p := cfg.Pool
	if p.Count < 1 || p.Count > maxWorkers {
		return fmt.Errorf("pool.count must be between 1 and %d (got %d)", maxWorkers, p.Count)
	}
	if p.Command == "" {
		return fmt.Errorf("pool.command is required")
	}
	if p.Every < 0 {
		return fmt.Errorf("pool.every must be positive")
	}
	if p.RateHz < 0 {
		return fmt.Errorf("pool.rate_hz must be positive")
	}
	if cfg.Period() <= 0 {
		return fmt.Errorf("pool tick period must be positive")
	}
	if p.ExchangeTimeout < 0 {
		return fmt.Errorf("pool.exchange_timeout must not be negative")
	}
	if p.StopTimeout < 0 {
		return fmt.Errorf("pool.stop_timeout must not be negative")
	}

	seen := make(map[int]bool)
	for i, o := range cfg.Workers {
		if o.ID < 0 || o.ID >= p.Count {
			return fmt.Errorf("workers[%d]: id %d is outside the pool (0..%d)", i, o.ID, p.Count-1)
		}
		if seen[o.ID] {
			return fmt.Errorf("workers[%d]: duplicate override for worker %d", i, o.ID)
		}
		seen[o.ID] = true
	}

	for _, wc := range cfg.AllWorkers() {
		field := fmt.Sprintf("worker %d", wc.ID)
		if err := checkUnresolved(field+" command", wc.Command); err != nil {
			return err
		}
		for name, v := range map[string]int{"scene": wc.Scene, "shape": wc.Shape, "state": wc.State} {
			if v < 0 || v > 0xFF {
				return fmt.Errorf("%s: %s must fit in a byte (got %d)", field, name, v)
			}
		}
		if wc.Stderr != "merge" && wc.Stderr != "discard" {
			return fmt.Errorf("%s: stderr must be merge or discard (got %q)", field, wc.Stderr)
		}
	}

	return nil
}

// checkUnresolved reports a ${VAR} placeholder that interpolation could not fill.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

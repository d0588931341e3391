package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Load loads configuration with priority: defaults < file < flags.
func Load() (*Config, error) {
	cfg := Default()

	configPath := ConfigPath()
	if configPath == "" {
		configPath = findConfigFile()
	}

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
		}
	}

	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile looks for config in standard locations.
func findConfigFile() string {
	candidates := []string{
		"./config.yaml",
		filepath.Join(ConfigDir(), "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ConfigDir returns the OS-appropriate config directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "MidgardLOD")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "MidgardLOD")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "midgard-lod")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "midgard-lod")
	}
}

// loadFromFile loads config from a YAML file, merging with existing values.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func loadFromFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects settings the pager and simplifier cannot run with.
func (c *Config) Validate() error {
	if c.Pager.NumThreads < 1 {
		return fmt.Errorf("pager.num_threads must be at least 1, got %d", c.Pager.NumThreads)
	}
	if c.Pager.TargetMaxPagedLODs < 0 {
		return fmt.Errorf("pager.target_max_paged_lods must not be negative, got %d", c.Pager.TargetMaxPagedLODs)
	}
	if c.Pager.ExpiryFrames < 0 || c.Pager.ExpiryDelay < 0 {
		return fmt.Errorf("pager expiry thresholds must not be negative")
	}
	if c.Simplifier.SampleRatio <= 0 {
		return fmt.Errorf("simplifier.sample_ratio must be positive, got %g", c.Simplifier.SampleRatio)
	}
	if c.Data.CacheEntries < 0 {
		return fmt.Errorf("data.cache_entries must not be negative, got %d", c.Data.CacheEntries)
	}
	return nil
}

// Package config handles loading and saving of the LOD toolkit configuration.
package config

import (
	"github.com/Faultbox/midgard-lod/internal/pager"
	"github.com/Faultbox/midgard-lod/internal/simplify"
)

// Config holds all toolkit settings.
type Config struct {
	Pager      pager.Config    `yaml:"pager"`
	Simplifier simplify.Config `yaml:"simplifier"`
	Data       DataConfig      `yaml:"data"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// DataConfig holds tile source settings.
type DataConfig struct {
	TileDirs     []string `yaml:"tile_dirs"`     // Directories searched for tile documents
	Archives     []string `yaml:"archives"`      // SQLite tile archives
	Watch        bool     `yaml:"watch"`         // Invalidate cached tiles on file change
	CacheEntries int      `yaml:"cache_entries"` // Decoded tile cache size
	Validate     bool     `yaml:"validate"`      // Schema-check documents before decoding
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the /metrics endpoint
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Pager:      pager.DefaultConfig(),
		Simplifier: simplify.DefaultConfig(),
		Data: DataConfig{
			TileDirs:     []string{"tiles"},
			CacheEntries: 1024,
			Validate:     true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Package config loads the page tool's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree/nodepage"
	"github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// StorageConfig describes the page file and the buffer pool in front of it.
type StorageConfig struct {
	DataFile       string `yaml:"data_file"`
	PageSize       int    `yaml:"page_size"`
	MaxKeySize     int    `yaml:"max_key_size"`
	BufferPoolSize int    `yaml:"buffer_pool_size"`
}

// Config is the top-level configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Storage   StorageConfig    `yaml:"storage"`
}

// Default returns a configuration that works without a file.
func Default() *Config {
	format := nodepage.DefaultFormat()
	return &Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "gojodb-pagetool",
			TraceSampleRatio: 1.0,
		},
		Storage: StorageConfig{
			DataFile:       "gojodb_pages.db",
			PageSize:       format.PageSize,
			MaxKeySize:     format.MaxKeySize,
			BufferPoolSize: 64,
		},
	}
}

// Load reads path on top of the defaults. Keys missing from the file keep
// their default values. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Format returns the node format described by the storage section.
func (c *Config) Format() (nodepage.Format, error) {
	return nodepage.NewFormat(c.Storage.PageSize, c.Storage.MaxKeySize)
}

// Validate checks the storage section.
func (c *Config) Validate() error {
	if c.Storage.DataFile == "" {
		return fmt.Errorf("%w: storage.data_file is empty", ErrInvalidConfig)
	}
	if c.Storage.BufferPoolSize < 2 {
		return fmt.Errorf("%w: storage.buffer_pool_size must be at least 2, got %d", ErrInvalidConfig, c.Storage.BufferPoolSize)
	}
	if _, err := c.Format(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

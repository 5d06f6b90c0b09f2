// Package config provides configuration structures and defaults for CaskDB.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultSegmentSizeThreshold          = 4 * 1024 * 1024
	defaultCompactionStaleBytesThreshold = 16 * 1024 * 1024
	defaultMaxKeySize                    = 64 * 1024
	defaultMaxValueSize                  = 64 * 1024 * 1024
)

// Config holds all tunable parameters for CaskDB's segment rotation and compaction.
type Config struct {
	// SegmentSizeThreshold is the size in bytes past which the active segment is rotated.
	SegmentSizeThreshold int64 `yaml:"segment_size_threshold"`
	// CompactionStaleBytesThreshold is the amount of superseded and deleted data
	// that triggers a background compaction.
	CompactionStaleBytesThreshold int64 `yaml:"compaction_stale_bytes_threshold"`
	// MaxKeySize and MaxValueSize bound what Set accepts.
	MaxKeySize   int64 `yaml:"max_key_size"`
	MaxValueSize int64 `yaml:"max_value_size"`
	// VerifyChecksums makes Get decode the whole record and check its CRC
	// instead of reading the value bytes alone.
	VerifyChecksums bool `yaml:"verify_checksums"`

	// Logger receives recovery, rotation and compaction events. Nil disables logging.
	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns a Config struct populated with default values.
func DefaultConfig() *Config {
	return &Config{
		SegmentSizeThreshold:          defaultSegmentSizeThreshold,
		CompactionStaleBytesThreshold: defaultCompactionStaleBytesThreshold,
		MaxKeySize:                    defaultMaxKeySize,
		MaxValueSize:                  defaultMaxValueSize,
	}
}

// FillDefaults sets any zero-value fields in the Config to their default values.
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	if c.SegmentSizeThreshold == 0 {
		c.SegmentSizeThreshold = def.SegmentSizeThreshold
	}
	if c.CompactionStaleBytesThreshold == 0 {
		c.CompactionStaleBytesThreshold = def.CompactionStaleBytesThreshold
	}
	if c.MaxKeySize == 0 {
		c.MaxKeySize = def.MaxKeySize
	}
	if c.MaxValueSize == 0 {
		c.MaxValueSize = def.MaxValueSize
	}
}

// Validate reports the first option that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.SegmentSizeThreshold < 0:
		return fmt.Errorf("segment_size_threshold must be positive, got %d", c.SegmentSizeThreshold)
	case c.CompactionStaleBytesThreshold < 0:
		return fmt.Errorf("compaction_stale_bytes_threshold must be positive, got %d", c.CompactionStaleBytesThreshold)
	case c.MaxKeySize < 0:
		return fmt.Errorf("max_key_size must be positive, got %d", c.MaxKeySize)
	case c.MaxValueSize < 0:
		return fmt.Errorf("max_value_size must be positive, got %d", c.MaxValueSize)
	}
	return nil
}

// Load reads a YAML config file. Options missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.FillDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MikhailWahib/caskdb/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillDefaults(t *testing.T) {
	c := &config.Config{SegmentSizeThreshold: 128}
	c.FillDefaults()

	def := config.DefaultConfig()
	assert.Equal(t, int64(128), c.SegmentSizeThreshold, "explicit values are kept")
	assert.Equal(t, def.CompactionStaleBytesThreshold, c.CompactionStaleBytesThreshold)
	assert.Equal(t, def.MaxKeySize, c.MaxKeySize)
	assert.Equal(t, def.MaxValueSize, c.MaxValueSize)
	assert.False(t, c.VerifyChecksums)
}

func TestValidate(t *testing.T) {
	require.NoError(t, config.DefaultConfig().Validate())

	c := config.DefaultConfig()
	c.SegmentSizeThreshold = -1
	assert.Error(t, c.Validate())

	c = config.DefaultConfig()
	c.MaxValueSize = -5
	assert.Error(t, c.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caskdb.yaml")
	err := os.WriteFile(path, []byte(`
segment_size_threshold: 1024
compaction_stale_bytes_threshold: 4096
verify_checksums: true
`), 0644)
	require.NoError(t, err)

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1024), c.SegmentSizeThreshold)
	assert.Equal(t, int64(4096), c.CompactionStaleBytesThreshold)
	assert.True(t, c.VerifyChecksums)
	assert.Equal(t, config.DefaultConfig().MaxKeySize, c.MaxKeySize)
	assert.Nil(t, c.Logger)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("segment_size_threshold: [not, a, number]"), 0644))
	_, err = config.Load(bad)
	assert.Error(t, err)

	negative := filepath.Join(dir, "negative.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("max_key_size: -1"), 0644))
	_, err = config.Load(negative)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	l := NewLoader(WithConfigPaths("does-not-exist.yaml"))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Registry.MaxActiveStreams)
	assert.Equal(t, 1, cfg.Batcher.MinBatchSize)
	assert.Equal(t, 32, cfg.Batcher.MaxBatchSize)
	assert.Equal(t, "file", cfg.QoS.PolicyBackend)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabricd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  max_active_streams: 10\n"), 0o644))

	l := NewLoader(WithConfigPaths(path))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Registry.MaxActiveStreams)
}

func TestValidateRejectsBadBatchSizes(t *testing.T) {
	cfg := &Config{}
	cfg.Registry.MaxActiveStreams = 1
	cfg.Batcher.MinBatchSize = 10
	cfg.Batcher.MaxBatchSize = 5
	cfg.Cache.CapacityBytes = 1
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsBadCanaryPercentage(t *testing.T) {
	cfg := &Config{}
	cfg.Registry.MaxActiveStreams = 1
	cfg.Batcher.MinBatchSize = 1
	cfg.Batcher.MaxBatchSize = 1
	cfg.Cache.CapacityBytes = 1
	cfg.Canary.Percentage = 150
	err := cfg.Validate()
	assert.Error(t, err)
}

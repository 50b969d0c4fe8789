package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "JOURNAL", cfg.NATS.Stream)

	assert.Equal(t, 100, cfg.Relay.BatchSize)
	assert.Equal(t, time.Second, cfg.Relay.PollInterval)
	assert.Equal(t, 5, cfg.Relay.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Relay.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Relay.BackoffMax)
	assert.Equal(t, 30*time.Second, cfg.Relay.Lease)

	assert.Equal(t, "inkwell-indexer", cfg.Indexer.Durable)
	assert.Equal(t, 10, cfg.Indexer.MaxDeliver)
	assert.Equal(t, 24*time.Hour, cfg.Indexer.DedupeTTL)

	assert.Equal(t, "inkwell-mini", cfg.Embedding.Model)
	assert.Equal(t, 3, cfg.Embedding.Breaker.FailThreshold)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
relay:
  batch_size: 7
  max_attempts: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Relay.BatchSize)
	assert.Equal(t, 2, cfg.Relay.MaxAttempts)

	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.Relay.PollInterval)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

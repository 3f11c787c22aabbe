package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "evently.jobs", cfg.Kafka.Topic)
	assert.Equal(t, "evently-worker", cfg.Kafka.GroupID)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.PollInterval)
	assert.Equal(t, 100, cfg.Relay.BatchSize)
	assert.Equal(t, 32, cfg.Worker.Count)
	assert.Equal(t, 60*time.Second, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, 15*time.Second, cfg.Worker.ReclaimInterval)
	assert.Equal(t, 50, cfg.RateLimit.RPS)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load("testdata/override.yaml")
	require.NoError(t, err)

	// overridden
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, []string{"secret-key-1", "secret-key-2"}, cfg.HTTP.APIKeys)
	assert.Equal(t, "jobs.test", cfg.Kafka.Topic)
	assert.Equal(t, 30*time.Second, cfg.Worker.VisibilityTimeout)

	// untouched defaults survive the merge
	assert.Equal(t, 100, cfg.Relay.BatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("testdata/does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

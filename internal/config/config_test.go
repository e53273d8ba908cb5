package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{"search_v1", "search_v2"}, cfg.Experiment.Variants)
	assert.Equal(t, 0.5, cfg.Experiment.Ratio())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, "ab:", cfg.Storage.KeyPrefix)
	assert.Equal(t, 10000, cfg.Buffer.Size)
	assert.Equal(t, "X-User-ID", cfg.Server.UserIDHeader)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ExpandsEnvAndFillsDefaults(t *testing.T) {
	t.Setenv("AB_TEST_REDIS_ADDR", "redis.internal:6380")

	path := writeConfig(t, `
experiment:
  split_ratio: 0.0
storage:
  backend: redis
  timeout: 500ms
  redis:
    addr: ${AB_TEST_REDIS_ADDR}
buffer:
  size: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.Experiment.Ratio())
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Storage.Timeout)
	assert.Equal(t, "redis.internal:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, 50, cfg.Buffer.Size)
	assert.Equal(t, 5*time.Second, cfg.Buffer.FlushInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Experiment.AssignmentTTL)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"ratio above one", "experiment:\n  split_ratio: 1.5\n", "split_ratio"},
		{"ratio below zero", "experiment:\n  split_ratio: -0.1\n", "split_ratio"},
		{"three variants", "experiment:\n  variants: [a, b, c]\n", "exactly two"},
		{"unknown backend", "storage:\n  backend: mongo\n", "storage.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("INSTANCE_ID", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sync-state-bridge", cfg.AppName)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Empty(t, cfg.PostgresURL)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, "demo", cfg.Demo.Document)
	assert.Equal(t, int64(0), cfg.Demo.Defaults["count"])
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_name = "from-file"
redis_addr = "redis:6379"
shutdown_timeout = "3s"
snapshot_threshold = 42

[demo]
document = "board"
map = "settings"
fields = ["count", "title*"]

[demo.defaults]
count = 7
title = "hello"
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("INSTANCE_ID", "node-a")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.AppName)
	assert.Equal(t, "override:6379", cfg.RedisAddr)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, int64(42), cfg.SnapshotThreshold)
	assert.Equal(t, "board", cfg.Demo.Document)
	assert.Equal(t, "settings", cfg.Demo.Map)
	assert.Equal(t, []string{"count", "title*"}, cfg.Demo.Fields)
	assert.Equal(t, int64(7), cfg.Demo.Defaults["count"])
	assert.Equal(t, "hello", cfg.Demo.Defaults["title"])
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresObjectCredentials(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OBJECT_ENDPOINT", "minio:9000")
	t.Setenv("OBJECT_ACCESS_KEY", "")
	t.Setenv("OBJECT_SECRET_KEY", "")
	_, err := Load()
	require.Error(t, err)
}

func TestEnvHelpersFallBack(t *testing.T) {
	t.Setenv("TEST_INT", "nope")
	t.Setenv("TEST_BOOL", "maybe")
	t.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, 5, getInt("TEST_INT", 5))
	assert.True(t, getBool("TEST_BOOL", true))
	assert.Equal(t, time.Second, getDuration("TEST_DURATION", time.Second))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}

func TestNewResourcesWithNothingConfigured(t *testing.T) {
	res, err := NewResources(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, res.Postgres)
	assert.Nil(t, res.Redis)
	assert.Nil(t, res.Object)
	res.Close()
}

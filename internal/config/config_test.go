package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), filepath.Join(t.TempDir(), "missing.toml"), false)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Sync.Debounce)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Cache.Expiry)
	assert.Equal(t, 15*time.Second, cfg.Reachability.ProbeInterval)
	assert.Equal(t, BackendMemory, cfg.Server.Backend)
	assert.NotEmpty(t, cfg.DB.Path)
}

func TestLoad_MissingRequiredFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.toml"), true)
	assert.Error(t, err)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
actor = "asha-07"

[sync]
interval = "5m"
batch_size = 20

[api]
base_url = "https://api.example.org"
`), 0600))

	t.Setenv("FIELDSYNC_SYNC_BATCH_SIZE", "10")
	t.Setenv("FIELDSYNC_API_TOKEN", "tok")

	cfg, err := Load(New(), path, true)
	require.NoError(t, err)

	assert.Equal(t, "asha-07", cfg.Actor)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 10, cfg.Sync.BatchSize, "env wins over file")
	assert.Equal(t, "https://api.example.org", cfg.API.BaseURL)
	assert.Equal(t, "tok", cfg.API.Token)
	assert.Equal(t, 2*time.Second, cfg.Sync.Debounce, "unset keys keep defaults")
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nbackend = \"postgres\"\n"), 0600))

	_, err := Load(New(), path, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestWriteDefaults_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, WriteDefaults(path, false))

	written, err := Load(New(), path, true)
	require.NoError(t, err)
	defaults, err := Load(New(), "", false)
	require.NoError(t, err)
	assert.Equal(t, defaults, written)

	err = WriteDefaults(path, false)
	assert.Error(t, err, "existing file is kept without force")
	assert.NoError(t, WriteDefaults(path, true))
}

package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, 30, cfg.API.TimeoutSeconds)
	assert.Equal(t, DefaultLargeFileThreshold, cfg.Upload.LargeFileThresholdBytes)
	assert.Equal(t, 1000, cfg.Poll.BaseIntervalMS)
	assert.InDelta(t, 1.15, cfg.Poll.GrowthFactor, 0.0001)
	assert.Equal(t, 7000, cfg.Poll.MaxIntervalMS)
	assert.Equal(t, "importpipe.db", cfg.Database.Path)
	assert.Empty(t, cfg.Notify.ListenAddr, "notify endpoint disabled by default")
	assert.Equal(t, 2000, cfg.Watch.SettleMS)
}

func TestBackoffDefaultsAreCoherent(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	base := time.Duration(cfg.Poll.BaseIntervalMS) * time.Millisecond
	max := time.Duration(cfg.Poll.MaxIntervalMS) * time.Millisecond
	assert.Less(t, base, max, "base interval must be below the cap")
	assert.Greater(t, cfg.Poll.GrowthFactor, 1.0, "backoff must actually grow")
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "am.toml")
	content := `
[api]
base_url = "https://lms.internal/api/v1/admin"
timeout_seconds = 12

[poll]
max_interval_ms = 5000
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://lms.internal/api/v1/admin", cfg.API.BaseURL)
	assert.Equal(t, 12, cfg.API.TimeoutSeconds)
	assert.Equal(t, 5000, cfg.Poll.MaxIntervalMS)
	// Untouched keys keep defaults
	assert.Equal(t, 1000, cfg.Poll.BaseIntervalMS)
}

func TestSetNested(t *testing.T) {
	m := map[string]interface{}{}
	setNested(m, []string{"api", "base_url"}, "https://x")
	setNested(m, []string{"api", "timeout_seconds"}, "9")

	api, ok := m["api"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://x", api["base_url"])
	assert.Equal(t, "9", api["timeout_seconds"])
}

func TestEnvOverride(t *testing.T) {
	Reset()
	t.Setenv("IMPORTPIPE_API_BASE_URL", "https://env-wins.example/api")
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://env-wins.example/api", cfg.API.BaseURL)
}

func TestTokenComesFromEnvironmentOnly(t *testing.T) {
	Reset()
	t.Setenv("IMPORTPIPE_API_TOKEN", "secret-token")
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.API.Token)

	err = SetValue("api.token", "persisted")
	assert.Error(t, err, "token must not be persisted to disk")
}

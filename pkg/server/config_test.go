package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	// The generated file parses back to the same values
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.HTTPPort, again.Server.HTTPPort)
	assert.Equal(t, cfg.Limits.MaxBodyBytes, again.Limits.MaxBodyBytes)
	assert.Equal(t, cfg.Assistant.DefaultModel, again.Assistant.DefaultModel)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
http_port = 9443

[assistant]
chunk_delay_ms = 0
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.Server.HTTPPort)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, 50, cfg.Limits.MaxInvitationsPerRequest)

	sc := cfg.ToServerConfig()
	assert.Equal(t, 9443, sc.HTTPPort)
	assert.Equal(t, time.Duration(0), sc.ChunkDelay)
	assert.Equal(t, 30*24*time.Hour, sc.SessionTTL)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nhttp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("CIPHERCHAT_SERVER_HTTP_PORT", "9100")
	t.Setenv("CIPHERCHAT_SERVER_METRICS_PATH", "")
	t.Setenv("CIPHERCHAT_LIMITS_SESSION_TTL_HOURS", "2")
	t.Setenv("CIPHERCHAT_ASSISTANT_DEFAULT_MODEL", "parrot")
	t.Setenv("CIPHERCHAT_LIMITS_SEARCH_LIMIT", "not-a-number")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.HTTPPort)
	assert.Equal(t, "", cfg.Server.MetricsPath, "an empty override disables metrics")
	assert.Equal(t, 20, cfg.Limits.SearchLimit, "unparseable overrides are ignored")

	sc := cfg.ToServerConfig()
	assert.Equal(t, 2*time.Hour, sc.SessionTTL)
	assert.Equal(t, "parrot", sc.DefaultModel)
	assert.Empty(t, sc.MetricsPath)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/.cipherchat/db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cipherchat/db"), got)

	got, err = expandHome("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}

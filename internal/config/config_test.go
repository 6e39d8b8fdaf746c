package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {"server_address": ":9000", "reveal_interval_ms": 50},
		"backend": {"ai_base_url": "http://ai.local", "timeout_seconds": 5},
		"databases": {"sqlite3": {"dsn": "data/conv.db"}}
	}`)
	t.Setenv("LEXICHAT_LOCAL_STORE", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	require.Equal(t, "redis", cfg.LocalStore.Driver)
	require.Equal(t, 50*time.Millisecond, cfg.RevealInterval())
	require.Equal(t, 5*time.Second, cfg.BackendTimeout())
	require.Equal(t, DefaultSessionTTL, cfg.SessionTTL())
	require.True(t, cfg.IncludeGeneralKnowledge())
	require.True(t, filepath.IsAbs(cfg.Databases["sqlite3"].DSN))
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("LEXICHAT_AI_BASE_URL", "http://ai.example")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, "http://ai.example", cfg.Backend.AIBaseURL)
	require.Equal(t, DefaultRevealInterval, cfg.RevealInterval())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `{"backend": {"provider": "mystery"}}`)
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, `{not json`)
	_, err = Load(path)
	require.Error(t, err)
}

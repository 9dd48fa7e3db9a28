package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("SF_URL", "")
	t.Setenv("NEXT_PUBLIC_SF_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.WSPort)
	assert.Equal(t, 3001, cfg.HTTPPort)
	assert.Equal(t, "1", cfg.Upstream.CapabilitiesVersion)
	assert.Equal(t, "Web", cfg.Upstream.Platform)
	assert.Equal(t, "memory", cfg.SessionStore)
	assert.True(t, cfg.Stream.Reconnect)
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("SF_URL", "https://example.my.site.com/")
	t.Setenv("SF_ORG_ID", "00Dxx")
	t.Setenv("NEXT_PUBLIC_SF_DEV_NAME", "Web_Chat")
	t.Setenv("WS_PORT", "4000")
	t.Setenv("SESSION_STORE", "SQLite")
	t.Setenv("SESSION_IDLE_TIMEOUT_MS", "1500")
	t.Setenv("SSE_RECONNECT", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://example.my.site.com", cfg.Upstream.BaseURL)
	assert.Equal(t, "00Dxx", cfg.Upstream.OrgID)
	assert.Equal(t, "Web_Chat", cfg.Upstream.DeveloperName)
	assert.Equal(t, 4000, cfg.WSPort)
	assert.Equal(t, "sqlite", cfg.SessionStore)
	assert.Equal(t, 1500*time.Millisecond, cfg.SessionIdleTimeout)
	assert.False(t, cfg.Stream.Reconnect)
}

func TestLoadRejectsBadBool(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("SSE_RECONNECT", "sometimes")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := `
ws_port: 5000
upstream:
  base_url: ${TEST_RELAY_BASE}
  org_id: org-from-file
  developer_name: dev-from-file
  timeout: 5s
session_idle_timeout: 45s
stream:
  max_backoff: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("RELAY_CONFIG", path)
	t.Setenv("TEST_RELAY_BASE", "https://file.example.com")
	t.Setenv("SF_URL", "")
	t.Setenv("NEXT_PUBLIC_SF_URL", "")
	t.Setenv("SF_ORG_ID", "org-from-env")
	t.Setenv("WS_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.WSPort)
	assert.Equal(t, "https://file.example.com", cfg.Upstream.BaseURL)
	assert.Equal(t, "org-from-env", cfg.Upstream.OrgID)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 45*time.Second, cfg.SessionIdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Stream.MaxBackoff)
}

func TestValidateSessionStore(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.BaseURL = "https://x"
	cfg.Upstream.OrgID = "org"
	cfg.Upstream.DeveloperName = "dev"
	require.NoError(t, cfg.Validate())

	cfg.SessionStore = "redis"
	assert.Error(t, cfg.Validate())
}

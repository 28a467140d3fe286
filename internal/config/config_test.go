package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, DefaultProxyHost, cfg.ProxyHost)
	assert.True(t, cfg.StaticBypass)
	assert.Equal(t, DefaultStaticBypassPattern, cfg.StaticBypassPattern)
	require.Len(t, cfg.Headers, 3)
	assert.Equal(t, "1", *cfg.Headers["X-Crawlera-No-Bancheck"])
	assert.Equal(t, "pass", *cfg.Headers["X-Crawlera-Profile"])
	assert.Equal(t, "disable", *cfg.Headers["X-Crawlera-Cookies"])
}

func TestParseReplacesDefaultHeaders(t *testing.T) {
	cfg, err := Parse([]byte(`
apiKey: k
proxyHost: http://proxy.example:8010
staticBypass: false
sessionCreateTimeout: 5s
headers:
  X-Crawlera-Profile: desktop
  X-Crawlera-Cookies: null
`))
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, "http://proxy.example:8010", cfg.ProxyHost)
	assert.False(t, cfg.StaticBypass)
	assert.Equal(t, 5*time.Second, cfg.SessionCreateTimeout)
	require.Len(t, cfg.Headers, 2)
	assert.Equal(t, "desktop", *cfg.Headers["X-Crawlera-Profile"])
	v, ok := cfg.Headers["X-Crawlera-Cookies"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.NotContains(t, cfg.Headers, "X-Crawlera-No-Bancheck")
}

func TestParseKeepsDefaultsWhenHeadersAbsent(t *testing.T) {
	cfg, err := Parse([]byte("apiKey: k\n"))
	require.NoError(t, err)
	assert.Len(t, cfg.Headers, 3)
	assert.True(t, cfg.StaticBypass)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smartproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiKey: from-file\nconcurrency: 8\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.APIKey)
	assert.Equal(t, 8, cfg.Concurrency)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SPM_APIKEY", "env-key")
	t.Setenv("SPM_PROXY_HOST", "http://other:1234")
	t.Setenv("SPM_STATIC_BYPASS", "false")
	t.Setenv("SPM_LOG_LEVEL", "debug")

	cfg := NewConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "http://other:1234", cfg.ProxyHost)
	assert.False(t, cfg.StaticBypass)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := NewConfig()
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.APIKey = "k"
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.ProxyHost = "proxy.zyte.com:8011"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = *cfg
	bad.StaticBypassPattern = "(["
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = *cfg
	bad.StaticBypassGlobs = []string{"**/*.{css"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = *cfg
	bad.Concurrency = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeoutDuration())
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeoutDuration())
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOriginList())

	assert.Empty(t, cfg.Auth.APIKey)
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.Docker.Host)

	assert.Equal(t, "ghcr.io/gradion-ai/ipybox", cfg.Container.DefaultTag)
	assert.Equal(t, 5*time.Minute, cfg.Container.CleanupIntervalDuration())
	assert.Equal(t, time.Hour, cfg.Container.MaxIdleTimeDuration())

	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("IPYBOX_HOST", "127.0.0.1")
	t.Setenv("IPYBOX_PORT", "9000")
	t.Setenv("IPYBOX_API_KEY", "secret")
	t.Setenv("IPYBOX_DEFAULT_TAG", "ghcr.io/gradion-ai/ipybox:0.6")
	t.Setenv("IPYBOX_CLEANUP_INTERVAL", "60")
	t.Setenv("IPYBOX_MAX_IDLE_TIME", "600")
	t.Setenv("IPYBOX_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("IPYBOX_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.Equal(t, "ghcr.io/gradion-ai/ipybox:0.6", cfg.Container.DefaultTag)
	assert.Equal(t, time.Minute, cfg.Container.CleanupIntervalDuration())
	assert.Equal(t, 10*time.Minute, cfg.Container.MaxIdleTimeDuration())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOriginList())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadInvalidPort(t *testing.T) {
	t.Setenv("IPYBOX_PORT", "70000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestLoadInvalidLogLevel(t *testing.T) {
	t.Setenv("IPYBOX_LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestCORSOriginListEmpty(t *testing.T) {
	s := ServerConfig{CORSOrigins: ""}
	assert.Empty(t, s.CORSOriginList())

	s.CORSOrigins = " , ,"
	assert.Empty(t, s.CORSOriginList())
}

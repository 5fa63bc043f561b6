package bootstrap

import (
	"os"
	"testing"

	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoOverrides(t *testing.T) {
	cfg, err := Load("plain-key", Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultCFConfig("plain-key").MaxStoredEvents, cfg.MaxStoredEvents)
	assert.False(t, cfg.OfflineMode)
	assert.Equal(t, domain.LogLevelInfo, cfg.LogLevel)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("CFCLIENT_OFFLINE_MODE", "true")
	t.Setenv("CFCLIENT_MAX_STORED_EVENTS", "500")

	cfg, err := Load("plain-key", Options{})
	require.NoError(t, err)
	assert.True(t, cfg.OfflineMode)
	assert.Equal(t, 500, cfg.MaxStoredEvents)
}

func TestLoad_InvalidLogLevelFallsBackToInfo(t *testing.T) {
	t.Setenv("CFCLIENT_LOG_LEVEL", "not-a-level")
	cfg, err := Load("plain-key", Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.LogLevelInfo, cfg.LogLevel)
}

func TestLoad_ConfigFileLayering(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfclient-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("log_level: debug\nmax_stored_events: 7\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load("plain-key", Options{ConfigPath: f.Name()})
	require.NoError(t, err)
	assert.Equal(t, domain.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, 7, cfg.MaxStoredEvents)
}

func TestLoad_MissingConfigFileIsNotError(t *testing.T) {
	_, err := Load("plain-key", Options{ConfigPath: "/nonexistent/path/cfclient.yaml"})
	require.NoError(t, err)
}

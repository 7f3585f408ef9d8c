package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppConfig(t *testing.T) {
	cfg := DefaultAppConfig()

	assert.Equal(t, RoleVehicle, cfg.System.Role)
	assert.True(t, cfg.IsVehicle())
	assert.Equal(t, 50, cfg.Uplink.BatchSize)
	assert.Equal(t, 5, cfg.Uplink.ReconnectDelaySec)
	assert.Equal(t, 10, cfg.Uplink.ConnectTimeoutSec)
	assert.Equal(t, 5, cfg.Timesync.PingMaxAgeSec)
	assert.Equal(t, 10, cfg.Timesync.RttWindow)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAppConfig(), cfg)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetryd.yml")
	content := `
system:
  role: remote
uplink:
  server: collector.example.net:1983
  batch_size: 200
timesync:
  ping_interval_seconds: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, RoleRemote, cfg.System.Role)
	assert.False(t, cfg.IsVehicle())
	assert.Equal(t, "collector.example.net:1983", cfg.Uplink.Server)
	assert.Equal(t, 200, cfg.Uplink.BatchSize)
	assert.Equal(t, 2, cfg.Timesync.PingIntervalSec)
	// untouched sections keep their defaults
	assert.Equal(t, 86400, cfg.Uplink.RetentionSec)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetryd.yml")
	require.NoError(t, os.WriteFile(path, []byte("system:\n  role: vehicle\n"), 0o600))

	t.Setenv("TELEMETRYD_ROLE", "remote")
	t.Setenv("TELEMETRYD_BATCH_SIZE", "75")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, RoleRemote, cfg.System.Role)
	assert.Equal(t, 75, cfg.Uplink.BatchSize)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
presencetrack:
  source:
    mode: socket
    socket:
      url: wss://devices.example.com/socket
      event_name: tag_detected
      device_id: cabinet-7
      device_token: from-file
  resolver:
    base_url: https://api.example.com
    accepted_type: customer
    key_prefix_len: 8
    fields:
      - name: name
        kind: string
      - name: visits
        kind: number
  registry:
    window: 5s
    tick: 1s
    clamp_last_seen: false
  logging:
    enabled: true
    level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presencetrack.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigParsesSections(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	pt := cfg.PresenceTrack
	assert.Equal(t, "socket", pt.Source.Mode)
	assert.Equal(t, "cabinet-7", pt.Source.Socket.DeviceID)
	assert.Equal(t, 8, pt.Resolver.KeyPrefixLen)
	require.Len(t, pt.Resolver.Fields, 2)
	assert.Equal(t, "number", pt.Resolver.Fields[1].Kind)
	assert.Equal(t, 5*time.Second, pt.Registry.Window)
	assert.Equal(t, time.Second, pt.Registry.Tick)
	assert.False(t, pt.Registry.ClampEnabled())
	assert.Equal(t, "debug", pt.Logging.Level)
}

func TestClampDefaultsToEnabled(t *testing.T) {
	var r RegistryConfig
	assert.True(t, r.ClampEnabled())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PRESENCETRACK_DEVICE_TOKEN", "from-env")
	t.Setenv("PRESENCETRACK_API_URL", "https://override.example.com")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.PresenceTrack.Source.Socket.DeviceToken)
	assert.Equal(t, "https://override.example.com", cfg.PresenceTrack.Resolver.BaseURL)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "presencetrack: [unclosed"))
	require.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
channels:
  - id: 6809
    label: "Tower feed"
    decoder: fsd
    enabled: true
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, 6809, cfg.Channels[0].ID)
	assert.Equal(t, "Tower feed", cfg.Channels[0].Label)
	assert.True(t, cfg.Channels[0].Enabled)

	// Defaults survive partial files.
	assert.Equal(t, "fsd", cfg.Decoder.Default)
	assert.True(t, cfg.Decoder.Summaries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, 10*time.Second, cfg.StopTimeout)
}

func TestLoadFullConfig(t *testing.T) {
	content := `
channels:
  - id: 6809
    label: "Tower"
    decoder: fsd
    enabled: true
  - id: 6810
    label: "Replay"
    decoder: fsd
    enabled: false
    source: exec
    command: ["cat", "/var/log/fsd.log"]
decoder:
  summaries: false
logging:
  level: debug
  format: json
metrics:
  enabled: false
sinks:
  file:
    enabled: true
    path: /tmp/out.jsonl
  nats:
    enabled: true
    url: nats://localhost:4222
    subject_prefix: fsd.messages
`
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, "exec", cfg.Channels[1].Source)
	assert.Equal(t, []string{"cat", "/var/log/fsd.log"}, cfg.Channels[1].Command)
	assert.False(t, cfg.Decoder.Summaries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Sinks.File.Enabled)
	assert.Equal(t, "/tmp/out.jsonl", cfg.Sinks.File.Path)
	assert.True(t, cfg.Sinks.NATS.Enabled)
	assert.False(t, cfg.Sinks.WebSocket.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "channels: [unclosed"))
	assert.Error(t, err)
}

func TestValidateRejectsEmptyChannels(t *testing.T) {
	_, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateChannelIDs(t *testing.T) {
	content := `
channels:
  - id: 6809
    decoder: fsd
  - id: 6809
    decoder: fsd
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate channel id")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	content := minimalConfig + `
logging:
  level: verbose
`
	_, err := Load(writeConfig(t, content))
	assert.Error(t, err)
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	content := `
channels:
  - id: 6809
    decoder: fsd
    source: exec
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec source requires command")
}

func TestValidateRejectsUnknownSource(t *testing.T) {
	content := `
channels:
  - id: 6809
    decoder: fsd
    source: carrier-pigeon
`
	_, err := Load(writeConfig(t, content))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("E2M_LOG_LEVEL", "debug")
	t.Setenv("E2M_METRICS_ADDRESS", ":9999")
	t.Setenv("E2M_NATS_URL", "nats://elsewhere:4222")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9999", cfg.Metrics.Address)
	assert.Equal(t, "nats://elsewhere:4222", cfg.Sinks.NATS.URL)
}

func TestEnabledSinkConfigValidated(t *testing.T) {
	content := minimalConfig + `
sinks:
  file:
    enabled: true
    path: ""
`
	_, err := Load(writeConfig(t, content))
	assert.Error(t, err)
}

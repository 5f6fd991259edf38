package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	_, err = uuid.Parse(cfg.Node.ID)
	assert.NoError(t, err, "generated node id should be a uuid")
	assert.NotEmpty(t, cfg.Node.DisplayName)
	assert.Equal(t, nats.DefaultURL, cfg.NATS.URL)
	assert.Equal(t, "scoresync", cfg.NATS.SubjectPrefix)
	assert.Equal(t, BackendNATS, cfg.Records.Backend)
	assert.Equal(t, "scoresync-data", cfg.Records.Bucket)
	assert.Equal(t, 3000*time.Millisecond, cfg.Sync.BootstrapTimeout)
	assert.Equal(t, 2*time.Second, cfg.Sync.SendTimeout)
	assert.Equal(t, 15*time.Second, cfg.NATS.PresenceTTL)
	assert.Equal(t, 5*time.Second, cfg.NATS.HeartbeatInterval)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendNATS, cfg.Records.Backend)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
node:
  id: phone
  display_name: Pixel
nats:
  url: nats://broker:4222
  presence_ttl: 30s
  heartbeat_interval: 10s
records:
  backend: postgres
sync:
  bootstrap_timeout: 1500ms
gateway:
  port: 9090
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "phone", cfg.Node.ID)
	assert.Equal(t, "Pixel", cfg.Node.DisplayName)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, BackendPostgres, cfg.Records.Backend)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sync.BootstrapTimeout)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())

	nc := cfg.NATSConfig()
	assert.Equal(t, 30*time.Second, nc.PresenceTTL)
	assert.Equal(t, 10*time.Second, nc.HeartbeatInterval)
	assert.Equal(t, "scoresync-data", nc.RecordsBucket)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
node:
  id: phone
gateway:
  port: 9090
`)
	t.Setenv("SCORESYNC_NODE_ID", "watch")
	t.Setenv("SCORESYNC_GATEWAY_PORT", "7070")
	t.Setenv("SCORESYNC_BOOTSTRAP_TIMEOUT", "250ms")
	t.Setenv("SCORESYNC_SEND_TIMEOUT", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "watch", cfg.Node.ID)
	assert.Equal(t, 7070, cfg.Gateway.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.BootstrapTimeout)
	assert.Equal(t, 2*time.Second, cfg.Sync.SendTimeout, "unparseable override keeps the default")
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"backend":   "records:\n  backend: sqlite\n",
		"log level": "log_level: loud\n",
		"presence":  "nats:\n  presence_ttl: 1s\n  heartbeat_interval: 5s\n",
		"yaml":      "node: [unterminated\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

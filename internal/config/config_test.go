// ABOUTME: Tests for YAML config loading, env expansion, durations and validation
// ABOUTME: Writes temp config files and loads them through the public API

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
database:
  path: /tmp/halcyon.db
redis:
  addr: localhost:6379
broker:
  base_url: http://localhost:5001
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/halcyon.db", cfg.Database.Path)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "http://localhost:5001", cfg.Broker.BaseURL)

	// Defaults
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/webhook", cfg.Webhook.Path)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Full(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":9090"
database:
  path: /data/halcyon.db
  full_text: true
redis:
  addr: redis:6379
  db: 2
broker:
  base_url: http://broker:5001
  manager_url: http://broker:5002
ingest:
  workers: 64
  queue_depth: 2048
  retry_attempts: 5
  retry_initial: "500ms"
  recall_window: "5m"
  sweep_interval: "30s"
  sweep_cutoff: "10m"
  send_rate: 200
dedupe:
  filter_bits: 2097152
  hash_count: 9
  confirm_ttl: "48h"
fanout:
  batch_size: 250
  flush_interval: "1s"
permission:
  require_friendship: true
webhook:
  enabled: true
  secret: sekrit
logging:
  level: debug
  format: json
metrics:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.True(t, cfg.Database.FullText)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "http://broker:5002", cfg.Broker.ManagerURL)
	assert.Equal(t, 64, cfg.Ingest.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Ingest.RetryInitial)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.RecallWindow)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.SweepCutoff)
	assert.Equal(t, float64(200), cfg.Ingest.SendRate)
	assert.Equal(t, int64(2097152), cfg.Dedupe.FilterBits)
	assert.Equal(t, 48*time.Hour, cfg.Dedupe.ConfirmTTL)
	assert.Equal(t, 250, cfg.Fanout.BatchSize)
	assert.Equal(t, time.Second, cfg.Fanout.FlushInterval)
	assert.True(t, cfg.Permission.RequireFriendship)
	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, "sekrit", cfg.Webhook.Secret)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HALCYON_TEST_SECRET", "from-env")
	cfg, err := Load(writeConfig(t, minimalConfig+`
webhook:
  enabled: true
  secret: "${HALCYON_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"missing database": `
redis:
  addr: localhost:6379
broker:
  base_url: http://localhost:5001
`,
		"missing redis": `
database:
  path: /tmp/x.db
broker:
  base_url: http://localhost:5001
`,
		"missing broker": `
database:
  path: /tmp/x.db
redis:
  addr: localhost:6379
`,
		"webhook without secret": minimalConfig + `
webhook:
  enabled: true
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
ingest:
  retry_initial: "not-a-duration"
`))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

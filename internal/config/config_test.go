package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
kernel:
  node_name: edge-1
  drain_timeout: 5s
  daemon:
    tick_interval: 15s
    pool_size: 4
  recovery:
    strategy: circuit_breaker
logging:
  level: debug
  format: json
http:
  addr: ":9090"
caches:
  - name: sessions
    type: SMC
  - name: prices
    type: redis-series
    addr: localhost:6379
    options:
      db: 2
queues:
  - name: events
    type: adapter
    buffer: 64
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.Kernel.NodeName)
	assert.Equal(t, 5*time.Second, cfg.Kernel.DrainTimeout)
	assert.Equal(t, 15*time.Second, cfg.Kernel.Daemon.TickInterval)
	assert.Equal(t, 4, cfg.Kernel.Daemon.PoolSize)
	assert.Equal(t, 10*time.Minute, cfg.Kernel.Daemon.ReapInterval)
	assert.EqualValues(t, "circuit_breaker", cfg.Kernel.Recovery.Strategy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 90*time.Second, cfg.Hub.IdleTimeout)

	require.Len(t, cfg.Caches, 2)
	assert.Equal(t, "sessions", cfg.Caches[0].Name)
	doc, err := cfg.Caches[1].Document()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"redis-series","addr":"localhost:6379","options":{"db":2}}`, string(doc))

	require.Len(t, cfg.Queues, 1)
	doc, err = cfg.Queues[0].Document()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"adapter","buffer":64}`, string(doc))
}

func TestParseRejects(t *testing.T) {
	for name, body := range map[string]string{
		"missing name":   "caches:\n  - type: SMC\n",
		"duplicate name": "queues:\n  - {name: a, type: adapter}\n  - {name: a, type: rocketmq}\n",
		"malformed":      "kernel: [",
	} {
		_, err := Parse([]byte(body))
		assert.Error(t, err, name)
	}
}

func TestLoadFromPathAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	t.Setenv("KERNEL_NODE_NAME", "from-env")
	t.Setenv("KERNEL_TICK_INTERVAL", "2s")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Kernel.NodeName)
	assert.Equal(t, 2*time.Second, cfg.Kernel.Daemon.TickInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	old := DefaultPath
	DefaultPath = filepath.Join(t.TempDir(), "absent.yaml")
	t.Cleanup(func() { DefaultPath = old })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Empty(t, cfg.Caches)
	assert.Equal(t, 60*time.Second, cfg.Kernel.Daemon.TickInterval)
}

func TestShippedConfig(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "config", "kernel.yaml"))
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, cfg.Caches, 4)
	require.Len(t, cfg.Queues, 2)
	assert.Equal(t, "sessions", cfg.HTTP.HubQueue)
	assert.Equal(t, 10*time.Minute, cfg.Kernel.Daemon.ReapInterval)

	doc, err := cfg.Caches[3].Document()
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"type":"pg-series"`)
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  request_deadline: 90s
redis:
  addr: localhost:6379
  namespace: gw
weights:
  latency: 2.0
  capacity: 1.0
  cost: 0.5
  priority: 3.0
candidates:
  - id: gpt-4o
    provider: openai
    endpoint: https://api.openai.example/v1/chat
    active: true
    capacity_score: 90
    cost_per_unit: 0.8
    max_concurrent: 32
    timeout: 60s
    context_window: 128000
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Server.RequestDeadline)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2.0, cfg.Weights.Latency)
	assert.Equal(t, 3.0, cfg.Weights.Priority)

	require.Len(t, cfg.Candidates, 1)
	assert.Equal(t, "gpt-4o", cfg.Candidates[0].ID)
	assert.Equal(t, 60*time.Second, cfg.Candidates[0].Timeout)

	// Defaults survive partial files.
	assert.Equal(t, 60*time.Second, cfg.Credential.TTL)
	assert.Equal(t, 1024, cfg.Usage.BufferSize)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfig(t, "server: [not a map"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfig(t, "server:\n  port: 99999\n"))
	assert.ErrorContains(t, err, "out of range")

	_, err = LoadFromFile(writeConfig(t, `
candidates:
  - id: dup
    provider: p
    endpoint: http://x
  - id: dup
    provider: p
    endpoint: http://y
`))
	assert.ErrorContains(t, err, "duplicate candidate id")
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfig(t, "weights:\n  latency: 1.0\n")

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Get().Weights.Latency)

	changed := make(chan *Config, 1)
	m.OnChange(func(c *Config) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("weights:\n  latency: 5.0\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 5.0, cfg.Weights.Latency)
		assert.Equal(t, 5.0, m.Get().Weights.Latency)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

// Callbacks registered after the watcher is already running must still be
// invoked, and registration must not race reload's callback walk.
func TestOnChangeAfterWatch(t *testing.T) {
	path := writeConfig(t, "weights:\n  latency: 1.0\n")

	m, err := NewManager(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	// First write happens with no callbacks registered yet.
	require.NoError(t, os.WriteFile(path, []byte("weights:\n  latency: 2.0\n"), 0o600))

	changed := make(chan *Config, 1)
	m.OnChange(func(c *Config) { changed <- c })

	require.NoError(t, os.WriteFile(path, []byte("weights:\n  latency: 3.0\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 3.0, cfg.Weights.Latency)
	case <-time.After(3 * time.Second):
		t.Fatal("late-registered callback never fired")
	}
}

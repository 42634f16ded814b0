package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "defaults alone fail auth validation")

	t.Setenv("HERON_AUTH_SKIP_AUTH", "true")
	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Server.Addr)
	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, int64(64<<20), cfg.Ingest.MaxBytes)
	assert.Equal(t, 10000, cfg.Ingest.MaxEntries)
	assert.Equal(t, 32, cfg.Ingest.Flusher.BatchSize)
	assert.Equal(t, 1, cfg.Agent.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Agent.RunTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
auth:
  static_token: shh
storage:
  driver: sqlite3
  path: /tmp/h.db
ingest:
  max_entries: 500
  flusher:
    batch_size: 8
    backoff_base: 2s
agent:
  workers: 4
schedules:
  - name: nightly
    every: 24h
    payload:
      report: daily
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "shh", cfg.Auth.StaticToken)
	assert.Equal(t, "/tmp/h.db", cfg.Storage.Path)
	assert.Equal(t, 500, cfg.Ingest.MaxEntries)
	assert.Equal(t, 8, cfg.Ingest.Flusher.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Ingest.Flusher.BackoffBase)
	assert.Equal(t, 4, cfg.Agent.Workers)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].Name)
	assert.Equal(t, 24*time.Hour, cfg.Schedules[0].Every)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Auth:    AuthConfig{SkipAuth: true},
			Storage: StorageConfig{Driver: "sqlite3", Path: "x.db"},
			Ingest:  IngestConfig{MaxBytes: 1024, MaxEntries: 10},
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Storage.Driver = "mongodb"
	assert.Error(t, c.Validate())

	c = base()
	c.Storage.Driver = "postgres"
	assert.Error(t, c.Validate(), "postgres without host")

	c = base()
	c.Ingest.MaxEntries = 0
	assert.Error(t, c.Validate())

	c = base()
	c.Auth.SkipAuth = false
	assert.Error(t, c.Validate(), "no credentials configured")

	c = base()
	c.Schedules = []ScheduleEntry{{Name: "x"}}
	assert.Error(t, c.Validate(), "schedule without every or at")
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources: []\n"), 0o600))

	w, err := NewWatcher(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []ChangeEvent
	w.OnChange("sources.yaml", func(ev ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
		return nil
	})

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Initial load is dispatched and readable.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cfg, ok := w.Current("sources.yaml")
	require.True(t, ok)
	assert.Contains(t, cfg, "sources")

	// A write triggers a reload with the new content.
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - name: gh\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) < 2 {
			return false
		}
		last := seen[len(seen)-1]
		return last.Action == "modify" || last.Action == "create"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresNonYAML(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	w.OnChange("notes.txt", func(ev ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/backoff"
)

func TestLoad_EmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_FullDocument(t *testing.T) {
	data := []byte(`
database: /var/lib/offsync/queue.db
remote:
  url: https://sync.example.com
  timeout: 5s
connectivity:
  probe_interval: 2s
  initial_online: false
sync:
  compaction: mark
  max_attempts: 8
  retry_interval: 1m
  call_timeout: 3s
  backoff:
    initial: 100ms
    max: 10s
    multiplier: 3
    jitter: 0
realtime:
  dedupe_inserts: true
  reconnect:
    initial: 1s
log:
  level: debug
  format: json
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/offsync/queue.db", cfg.Database)
	assert.Equal(t, "https://sync.example.com", cfg.Remote.URL)
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Connectivity.ProbeInterval)
	assert.False(t, cfg.Connectivity.InitialOnline)
	assert.Equal(t, "mark", cfg.Sync.Compaction)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Sync.RetryInterval)
	assert.Equal(t, 3*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, backoff.Policy{
		Initial:    100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 3,
		Jitter:     0,
	}, cfg.Sync.Backoff)
	assert.True(t, cfg.Realtime.DedupeInserts)
	assert.Equal(t, time.Second, cfg.Realtime.Reconnect.Initial)
	assert.Equal(t, Default().Realtime.Reconnect.Max, cfg.Realtime.Reconnect.Max)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("sync:\n  max_attempts: 3\n"))
	require.NoError(t, err)

	want := Default()
	want.Sync.MaxAttempts = 3
	assert.Equal(t, want, cfg)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown top-level key", "colour: blue\n"},
		{"unknown nested key", "sync:\n  retries: 3\n"},
		{"bad compaction", "sync:\n  compaction: archive\n"},
		{"negative attempts", "sync:\n  max_attempts: -1\n"},
		{"bad duration", "remote:\n  timeout: soon\n"},
		{"jitter out of range", "sync:\n  backoff:\n    jitter: 2\n"},
		{"non-http url", "remote:\n  url: ftp://example.com\n"},
		{"bad log level", "log:\n  level: trace\n"},
		{"malformed yaml", "sync: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: other.db\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "other.db", cfg.Database)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_SlogLevel(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "INFO", cfg.SlogLevel().String())
	cfg.Log.Level = "debug"
	assert.Equal(t, "DEBUG", cfg.SlogLevel().String())
}

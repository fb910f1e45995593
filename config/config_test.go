package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.HTTPPort)
	require.NotEmpty(t, cfg.Scenarios)
	require.Equal(t, 120*time.Second, cfg.Stream.HeartbeatInterval.Std())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 9090
sessions:
  max_active: 10
gates:
  backends:
    max_concurrent: 2
    trip_threshold: 3
    base_cooldown: 60s
stream:
  heartbeat_interval: 30s
scenarios:
  - name: beaconing
    description: Periodic callbacks to a single destination.
    steps:
      - backend: mock
        query: "dns_lookups {input}"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.HTTPPort)
	require.Equal(t, 10, cfg.Sessions.MaxActive)
	require.Equal(t, 2, cfg.Gates.Backends.MaxConcurrent)
	require.Equal(t, time.Minute, cfg.Gates.Backends.BaseCooldown.Std())
	require.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval.Std())

	// The file's scenario list replaces the default catalogue.
	require.Len(t, cfg.Scenarios, 1)
	s, ok := cfg.Scenario("beaconing")
	require.True(t, ok)
	require.Len(t, s.Steps, 1)
	_, ok = cfg.Scenario("lateral-movement")
	require.False(t, ok)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream:\n  heartbeat_interval: soon\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scenarios:
  - name: bad
    steps:
      - backend: quantum
        query: q
`), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown backend")
}

func TestValidateRejectsDuplicateScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scenarios:
  - name: dup
    steps:
      - backend: mock
        query: a
  - name: dup
    steps:
      - backend: mock
        query: b
`), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "duplicate scenario")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INQUEST_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("INQUEST_REDIS_ADDR", "localhost:6379")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

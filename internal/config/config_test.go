package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Alerting.AutoResolve)
	assert.Equal(t, 30, cfg.Retention.ResolvedAlertsDays)
	assert.Equal(t, 5, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Jobs.BackoffInitial)
	assert.Equal(t, "/", cfg.BasePath)
}

func TestLoadPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
listen: "0.0.0.0:8080"
base_path: "alerts/"
database:
  driver: postgres
  dsn: "postgres://localhost/fitalert"
alerting:
  auto_resolve: false
  escalation_sweep: 30s
jobs:
  workers: 2
notify:
  recipients:
    - user_id: ops
      email: ops@example.com
      permissions: [view_alerts, receive_escalations]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	env := map[string]string{
		"FITALERT_LISTEN":        "127.0.0.1:9000",
		"FITALERT_KAFKA_BROKERS": "k1:9092, k2:9092",
	}
	cfg, err := LoadFrom([]string{"-config=" + path, "-workers", "8"}, func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen, "env overrides yaml")
	assert.Equal(t, "/alerts", cfg.BasePath)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Alerting.AutoResolve)
	assert.Equal(t, 30*time.Second, cfg.Alerting.EscalationSweep)
	assert.Equal(t, 8, cfg.Jobs.Workers, "flags override yaml")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.Kafka.Brokers)
	require.Len(t, cfg.Notify.Recipients, 1)
	assert.Equal(t, []string{"view_alerts", "receive_escalations"}, cfg.Notify.Recipients[0].Permissions)
	// untouched sections keep their defaults
	assert.Equal(t, 90, cfg.Retention.HistoryDays)
}

func TestNormalizeBasePath(t *testing.T) {
	for in, want := range map[string]string{"": "/", "/": "/", "mon": "/mon", "/mon/": "/mon", " /a/b// ": "/a/b"} {
		assert.Equal(t, want, normalizeBasePath(in), "input %q", in)
	}
}

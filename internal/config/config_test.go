package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
credentials:
  path: /etc/harvester/accounts.json
remote:
  base_url: https://listings.example.com
  pool_size: 400
harvest:
  page_delay_ms: 250
  use_landing: true
  workers: 4
idcache:
  enabled: true
  path: /var/lib/harvester/ids.json
export:
  backend: postgres
  postgres:
    dsn: postgres://harvester@localhost/jobs
    table: jobs
pubsub:
  project_id: proj
  topic_name: runs
schedule:
  enabled: true
  spec: "@every 12h"
  sheet: weekly
  topic: golang, rust
  target: 300
  mode: hybrid
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "https://listings.example.com", cfg.Remote.BaseURL)
	require.Equal(t, 400, cfg.Remote.PoolSize)
	require.Equal(t, 15, cfg.Remote.TimeoutSeconds, "unset keys keep defaults")
	require.Equal(t, 250*time.Millisecond, Millis(cfg.Harvest.PageDelayMs))
	require.True(t, cfg.Harvest.UseLanding)
	require.Equal(t, 4, cfg.Harvest.Workers)
	require.Equal(t, BackendPostgres, cfg.Export.Backend)
	require.Equal(t, "jobs", cfg.Export.Postgres.Table)
	require.Equal(t, "runs", cfg.PubSub.TopicName)

	req := cfg.ScheduledRequest()
	require.Equal(t, harvest.RunRequest{Sheet: "weekly", Topic: "golang, rust", Target: 300, Mode: harvest.ModeHybrid}, req)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, BackendLocal, cfg.Export.Backend)
	require.Equal(t, "exports", cfg.Export.Local.BaseDir)
	require.Equal(t, 3, cfg.Remote.MaxRetries)
	require.Equal(t, 30*time.Second, Seconds(cfg.Remote.AcquireTimeoutSeconds))
	require.Equal(t, 2000, cfg.Harvest.AuthDelayMs)
	require.Equal(t, 100, cfg.Harvest.HardCapPages)
	require.Equal(t, 60, cfg.Harvest.RetainMinutes)
	require.False(t, cfg.IDCache.Enabled)
	require.Equal(t, harvest.MaxConcurrentSessions*2, cfg.Remote.PoolSize)
}

func TestClientPoolSizeCoversEveryWorker(t *testing.T) {
	t.Setenv("HARVESTER_HARVEST_WORKERS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, harvest.MaxConcurrentSessions*3, cfg.Remote.PoolSize)

	cfg.Remote.PoolSize = 0
	require.Equal(t, harvest.MaxConcurrentSessions*3, cfg.ClientPoolSize())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HARVESTER_SERVER_PORT", "7070")
	t.Setenv("HARVESTER_EXPORT_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, BackendMemory, cfg.Export.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"base url", func(c *Config) { c.Remote.BaseURL = "" }, "remote.base_url"},
		{"workers", func(c *Config) { c.Harvest.Workers = 0 }, "harvest.workers"},
		{"pool size", func(c *Config) { c.Remote.PoolSize = 20 }, "remote.pool_size"},
		{"backend", func(c *Config) { c.Export.Backend = "sheets" }, "export.backend"},
		{"gcs bucket", func(c *Config) { c.Export.Backend = BackendGCS }, "export.gcs.bucket"},
		{"postgres dsn", func(c *Config) { c.Export.Backend = BackendPostgres }, "export.postgres.dsn"},
		{"idcache path", func(c *Config) { c.IDCache.Enabled = true; c.IDCache.Path = "" }, "idcache.path"},
		{"pubsub project", func(c *Config) { c.PubSub.TopicName = "runs" }, "pubsub.project_id"},
		{"schedule", func(c *Config) { c.Schedule.Enabled = true }, "schedule.spec"},
		{"schedule mode", func(c *Config) {
			c.Schedule = ScheduleConfig{Enabled: true, Spec: "@daily", Sheet: "s", Target: 1, Mode: "turbo"}
		}, "schedule.mode"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

// Export backends.
const (
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Harvest     HarvestConfig     `mapstructure:"harvest"`
	IDCache     IDCacheConfig     `mapstructure:"idcache"`
	Export      ExportConfig      `mapstructure:"export"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CredentialsConfig points at the account file.
type CredentialsConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig configures the listing service transport.
type RemoteConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	MaxRetries            int    `mapstructure:"max_retries"`
	BackoffInitialMs      int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int    `mapstructure:"backoff_max_ms"`
	PoolSize              int    `mapstructure:"pool_size"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
	WarmupPauseMs         int    `mapstructure:"warmup_pause_ms"`
}

// HarvestConfig governs pagination, pacing and run execution.
type HarvestConfig struct {
	PageDelayMs       int  `mapstructure:"page_delay_ms"`
	AuthDelayMs       int  `mapstructure:"auth_delay_ms"`
	FilterSettleMs    int  `mapstructure:"filter_settle_ms"`
	HardCapPages      int  `mapstructure:"hard_cap_pages"`
	MinPages          int  `mapstructure:"min_pages"`
	PageSizeHeuristic int  `mapstructure:"page_size_heuristic"`
	UseLanding        bool `mapstructure:"use_landing"`
	DailyQuota        int  `mapstructure:"daily_quota"`
	Workers           int  `mapstructure:"workers"`
	QueueDepth        int  `mapstructure:"queue_depth"`
	RetainMinutes     int  `mapstructure:"retain_minutes"`
}

// IDCacheConfig enables cross-run deduplication.
type IDCacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ExportConfig selects and configures the export backend.
type ExportConfig struct {
	Backend  string               `mapstructure:"backend"`
	Local    LocalExportConfig    `mapstructure:"local"`
	GCS      GCSExportConfig      `mapstructure:"gcs"`
	Postgres PostgresExportConfig `mapstructure:"postgres"`
}

// LocalExportConfig writes CSV files below BaseDir.
type LocalExportConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSExportConfig uploads CSV objects to a bucket.
type GCSExportConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PostgresExportConfig writes rows into a table.
type PostgresExportConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run-complete notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize int                 `mapstructure:"buffer_size"`
	Batch      ProgressBatchConfig `mapstructure:"batch"`
	LogEnabled bool                `mapstructure:"log_enabled"`
}

// ProgressBatchConfig bounds event batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ScheduleConfig describes an optional recurring run.
type ScheduleConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Spec       string `mapstructure:"spec"`
	RunOnStart bool   `mapstructure:"run_on_start"`
	Sheet      string `mapstructure:"sheet"`
	Topic      string `mapstructure:"topic"`
	Target     int    `mapstructure:"target"`
	Mode       string `mapstructure:"mode"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ProjectID      string  `mapstructure:"project_id"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Remote.PoolSize = cfg.ClientPoolSize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("credentials.path", "accounts.json")
	v.SetDefault("remote.base_url", "https://jobright.ai")
	v.SetDefault("remote.timeout_seconds", 15)
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("remote.backoff_initial_ms", 1000)
	v.SetDefault("remote.backoff_max_ms", 10000)
	v.SetDefault("remote.pool_size", 0)
	v.SetDefault("remote.acquire_timeout_seconds", 30)
	v.SetDefault("remote.warmup_pause_ms", 500)
	v.SetDefault("harvest.page_delay_ms", 1000)
	v.SetDefault("harvest.auth_delay_ms", 2000)
	v.SetDefault("harvest.filter_settle_ms", 2000)
	v.SetDefault("harvest.hard_cap_pages", 100)
	v.SetDefault("harvest.min_pages", 10)
	v.SetDefault("harvest.page_size_heuristic", 15)
	v.SetDefault("harvest.use_landing", false)
	v.SetDefault("harvest.daily_quota", 0)
	v.SetDefault("harvest.workers", 2)
	v.SetDefault("harvest.queue_depth", 16)
	v.SetDefault("harvest.retain_minutes", 60)
	v.SetDefault("idcache.enabled", false)
	v.SetDefault("idcache.path", "scraped_job_ids.json")
	v.SetDefault("export.backend", BackendLocal)
	v.SetDefault("export.local.base_dir", "exports")
	v.SetDefault("export.postgres.table", "harvested_jobs")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 50)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.spec", "@every 6h")
	v.SetDefault("schedule.target", 100)
	v.SetDefault("schedule.mode", string(harvest.ModeBalanced))
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// ClientPoolSize is the number of pooled HTTP clients. Every concurrent
// session holds one, so zero sizes the pool for the largest run on every worker.
func (c Config) ClientPoolSize() int {
	if c.Remote.PoolSize > 0 {
		return c.Remote.PoolSize
	}
	return harvest.MaxConcurrentSessions * max(c.Harvest.Workers, 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Credentials.Path == "" {
		return fmt.Errorf("credentials.path must be set")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url must be set")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be > 0")
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest.workers must be > 0")
	}
	if need := c.ClientPoolSize(); c.Remote.PoolSize < 0 || (c.Remote.PoolSize > 0 && c.Remote.PoolSize < need) {
		return fmt.Errorf("remote.pool_size must be 0 (auto) or at least %d", need)
	}
	if c.Harvest.HardCapPages <= 0 || c.Harvest.MinPages <= 0 || c.Harvest.PageSizeHeuristic <= 0 {
		return fmt.Errorf("harvest.hard_cap_pages, harvest.min_pages and harvest.page_size_heuristic must be > 0")
	}
	if c.IDCache.Enabled && c.IDCache.Path == "" {
		return fmt.Errorf("idcache.path must be set when the id cache is enabled")
	}
	switch c.Export.Backend {
	case BackendLocal:
		if c.Export.Local.BaseDir == "" {
			return fmt.Errorf("export.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Export.GCS.Bucket == "" {
			return fmt.Errorf("export.gcs.bucket must be set for the gcs backend")
		}
	case BackendPostgres:
		if c.Export.Postgres.DSN == "" {
			return fmt.Errorf("export.postgres.dsn must be set for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("export.backend must be one of local, gcs, postgres, memory")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Schedule.Enabled {
		if c.Schedule.Spec == "" || c.Schedule.Sheet == "" || c.Schedule.Target <= 0 {
			return fmt.Errorf("schedule.spec, schedule.sheet and a positive schedule.target are required when scheduling")
		}
		if _, err := harvest.ParseMode(c.Schedule.Mode); err != nil {
			return fmt.Errorf("schedule.mode: %w", err)
		}
	}
	return nil
}

// Millis converts a millisecond knob into a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second knob into a Duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// ScheduledRequest builds the run template for the recurring schedule.
func (c Config) ScheduledRequest() harvest.RunRequest {
	mode, _ := harvest.ParseMode(c.Schedule.Mode)
	return harvest.RunRequest{
		Sheet:  c.Schedule.Sheet,
		Topic:  c.Schedule.Topic,
		Target: c.Schedule.Target,
		Mode:   mode,
	}
}

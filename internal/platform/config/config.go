// Package config loads Dalston's process-wide configuration (spec §6.6):
// broker/state store connection settings, the engine manifest path,
// orchestrator replica identity, heartbeat/timeout tuning, and retry and
// retention knobs. Values are decoded from environment variables with an
// optional YAML file and .env fallback, mirroring the teacher's layered
// config loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls an HTTP-facing process (Gateway, Session Router admin API).
type ServerConfig struct {
	Host                   string `json:"host" env:"SERVER_HOST"`
	Port                   int    `json:"port" env:"SERVER_PORT"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" env:"SERVER_SHUTDOWN_TIMEOUT_SECONDS"`
}

// ShutdownTimeoutDuration returns ShutdownTimeoutSeconds as a time.Duration.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// StateStoreConfig controls the Postgres-backed State Store (C2).
type StateStoreConfig struct {
	DSN             string `json:"dsn" env:"STATESTORE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"STATESTORE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"STATESTORE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds" env:"STATESTORE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"STATESTORE_MIGRATE_ON_START"`
}

// ConnMaxLifetimeDuration returns ConnMaxLifetime as a time.Duration.
func (s StateStoreConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(s.ConnMaxLifetime) * time.Second
}

// EventBusConfig controls the Postgres LISTEN/NOTIFY event stream and the
// Redis-backed per-engine task queues (C3).
type EventBusConfig struct {
	ListenDSN        string `json:"listen_dsn" env:"EVENTBUS_LISTEN_DSN"`
	RedisAddr        string `json:"redis_addr" env:"EVENTBUS_REDIS_ADDR"`
	RedisDB          int    `json:"redis_db" env:"EVENTBUS_REDIS_DB"`
	RedisPassword    string `json:"redis_password" env:"EVENTBUS_REDIS_PASSWORD"`
	VisibilityTimeout int   `json:"visibility_timeout_seconds" env:"EVENTBUS_VISIBILITY_TIMEOUT_SECONDS"`
}

// VisibilityTimeoutDuration returns VisibilityTimeout as a time.Duration.
func (e EventBusConfig) VisibilityTimeoutDuration() time.Duration {
	return time.Duration(e.VisibilityTimeout) * time.Second
}

// CatalogConfig controls the engine manifest (C1).
type CatalogConfig struct {
	ManifestPath    string `json:"manifest_path" env:"CATALOG_MANIFEST_PATH"`
	ReloadInterval  int    `json:"reload_interval_seconds" env:"CATALOG_RELOAD_INTERVAL_SECONDS"`
}

// ReloadIntervalDuration returns ReloadInterval as a time.Duration.
func (c CatalogConfig) ReloadIntervalDuration() time.Duration {
	return time.Duration(c.ReloadInterval) * time.Second
}

// SchedulerConfig controls the Scheduler's event loop (C6).
type SchedulerConfig struct {
	ReplicaID          string `json:"replica_id" env:"SCHEDULER_REPLICA_ID"`
	MaxTaskAttempts    int    `json:"max_task_attempts" env:"SCHEDULER_MAX_TASK_ATTEMPTS"`
	TimeoutFloorSeconds int   `json:"timeout_floor_seconds" env:"SCHEDULER_TIMEOUT_FLOOR_SECONDS"`
	TimeoutSafetyFactor float64 `json:"timeout_safety_factor" env:"SCHEDULER_TIMEOUT_SAFETY_FACTOR"`
	TimeoutSweepCron    string `json:"timeout_sweep_cron" env:"SCHEDULER_TIMEOUT_SWEEP_CRON"`
}

// TimeoutFloorDuration returns TimeoutFloorSeconds as a time.Duration.
func (s SchedulerConfig) TimeoutFloorDuration() time.Duration {
	return time.Duration(s.TimeoutFloorSeconds) * time.Second
}

// RegistryConfig controls the Engine Registry's heartbeat TTL (C4).
type RegistryConfig struct {
	HeartbeatTTLSeconds     int `json:"heartbeat_ttl_seconds" env:"REGISTRY_HEARTBEAT_TTL_SECONDS"`
	HeartbeatSweepIntervalSeconds int `json:"heartbeat_sweep_interval_seconds" env:"REGISTRY_HEARTBEAT_SWEEP_INTERVAL_SECONDS"`
}

// HeartbeatTTLDuration returns HeartbeatTTLSeconds as a time.Duration.
func (r RegistryConfig) HeartbeatTTLDuration() time.Duration {
	return time.Duration(r.HeartbeatTTLSeconds) * time.Second
}

// SessionRouterConfig controls the real-time session router (C8).
type SessionRouterConfig struct {
	RedisAddr                string `json:"redis_addr" env:"SESSIONROUTER_REDIS_ADDR"`
	RedisDB                  int    `json:"redis_db" env:"SESSIONROUTER_REDIS_DB"`
	RedisPassword            string `json:"redis_password" env:"SESSIONROUTER_REDIS_PASSWORD"`
	SessionTTLSeconds        int    `json:"session_ttl_seconds" env:"SESSIONROUTER_SESSION_TTL_SECONDS"`
	ReconcileIntervalSeconds int    `json:"reconcile_interval_seconds" env:"SESSIONROUTER_RECONCILE_INTERVAL_SECONDS"`
	TicketTTLSeconds         int    `json:"ticket_ttl_seconds" env:"SESSIONROUTER_TICKET_TTL_SECONDS"`
}

// SessionTTLDuration returns SessionTTLSeconds as a time.Duration, used as
// the worker heartbeat TTL the health monitor compares against.
func (s SessionRouterConfig) SessionTTLDuration() time.Duration {
	return time.Duration(s.SessionTTLSeconds) * time.Second
}

// ReconcileIntervalDuration returns ReconcileIntervalSeconds as a time.Duration.
func (s SessionRouterConfig) ReconcileIntervalDuration() time.Duration {
	return time.Duration(s.ReconcileIntervalSeconds) * time.Second
}

// TicketTTLDuration returns TicketTTLSeconds as a time.Duration.
func (s SessionRouterConfig) TicketTTLDuration() time.Duration {
	return time.Duration(s.TicketTTLSeconds) * time.Second
}

// RetentionConfig controls the retention/purge sweep (C9).
type RetentionConfig struct {
	SweepCron    string `json:"sweep_cron" env:"RETENTION_SWEEP_CRON"`
	SweepBatchSize int  `json:"sweep_batch_size" env:"RETENTION_SWEEP_BATCH_SIZE"`
}

// WebhookConfig controls terminal-state webhook delivery (supplemented feature).
type WebhookConfig struct {
	MaxAttempts       int `json:"max_attempts" env:"WEBHOOK_MAX_ATTEMPTS"`
	AutoDisableAfter  int `json:"auto_disable_after_failures" env:"WEBHOOK_AUTO_DISABLE_AFTER_FAILURES"`
	DeliveryTimeoutSeconds int `json:"delivery_timeout_seconds" env:"WEBHOOK_DELIVERY_TIMEOUT_SECONDS"`
}

// DeliveryTimeoutDuration returns DeliveryTimeoutSeconds as a time.Duration.
func (w WebhookConfig) DeliveryTimeoutDuration() time.Duration {
	return time.Duration(w.DeliveryTimeoutSeconds) * time.Second
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// RateLimitConfig controls per-tenant submission rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" env:"RATELIMIT_REQUESTS_PER_SECOND"`
	Burst             int     `json:"burst" env:"RATELIMIT_BURST"`
}

// ObjectStoreConfig controls artifact body storage (C-objectstore).
type ObjectStoreConfig struct {
	LocalBaseDir string `json:"local_base_dir" env:"OBJECTSTORE_LOCAL_BASE_DIR"`
}

// GatewayConfig controls the stateless Gateway process (C10).
// SessionRouterURL is the base URL of a running Session Router process's
// HTTP API (internal/sessionapi), which the Gateway calls for every
// real-time session allocate/redeem/release/stats operation rather than
// embedding the Session Router in-process, so the two can scale and deploy
// independently.
type GatewayConfig struct {
	SessionRouterURL        string `json:"session_router_url" env:"GATEWAY_SESSION_ROUTER_URL"`
	StreamIdleTimeoutSeconds int   `json:"stream_idle_timeout_seconds" env:"GATEWAY_STREAM_IDLE_TIMEOUT_SECONDS"`
}

// StreamIdleTimeoutDuration returns StreamIdleTimeoutSeconds as a time.Duration.
func (g GatewayConfig) StreamIdleTimeoutDuration() time.Duration {
	return time.Duration(g.StreamIdleTimeoutSeconds) * time.Second
}

// EngineConfig controls one Engine Runtime process (C7). DescriptorID
// selects which configs/engines.yaml entry this process implements;
// InstanceID defaults to the hostname at startup if unset.
type EngineConfig struct {
	DescriptorID      string `json:"descriptor_id" env:"ENGINE_DESCRIPTOR_ID"`
	InstanceID        string `json:"instance_id" env:"ENGINE_INSTANCE_ID"`
	MaxConcurrency    int    `json:"max_concurrency" env:"ENGINE_MAX_CONCURRENCY"`
	HeartbeatSeconds  int    `json:"heartbeat_seconds" env:"ENGINE_HEARTBEAT_SECONDS"`
}

// HeartbeatDuration returns HeartbeatSeconds as a time.Duration.
func (e EngineConfig) HeartbeatDuration() time.Duration {
	return time.Duration(e.HeartbeatSeconds) * time.Second
}

// Config is the top-level process configuration. Each cmd/ binary decodes
// the whole struct but only reads the sections relevant to it.
type Config struct {
	Server        ServerConfig        `json:"server"`
	StateStore    StateStoreConfig    `json:"statestore"`
	EventBus      EventBusConfig      `json:"eventbus"`
	Catalog       CatalogConfig       `json:"catalog"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Registry      RegistryConfig      `json:"registry"`
	SessionRouter SessionRouterConfig `json:"sessionrouter"`
	Retention     RetentionConfig     `json:"retention"`
	Webhook       WebhookConfig       `json:"webhook"`
	Logging       LoggingConfig       `json:"logging"`
	RateLimit     RateLimitConfig     `json:"ratelimit"`
	ObjectStore   ObjectStoreConfig   `json:"objectstore"`
	Engine        EngineConfig        `json:"engine"`
	Gateway       GatewayConfig       `json:"gateway"`
}

// New returns a Config populated with operational defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, ShutdownTimeoutSeconds: 10},
		StateStore: StateStoreConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		EventBus: EventBusConfig{
			VisibilityTimeout: 300,
		},
		Catalog: CatalogConfig{
			ManifestPath:   "configs/engines.yaml",
			ReloadInterval: 60,
		},
		Scheduler: SchedulerConfig{
			MaxTaskAttempts:     3,
			TimeoutFloorSeconds: 60,
			TimeoutSafetyFactor: 3.0,
			TimeoutSweepCron:    "*/30 * * * * *",
		},
		Registry: RegistryConfig{
			HeartbeatTTLSeconds:           30,
			HeartbeatSweepIntervalSeconds: 10,
		},
		SessionRouter: SessionRouterConfig{
			SessionTTLSeconds:        30,
			ReconcileIntervalSeconds: 10,
			TicketTTLSeconds:         30,
		},
		Retention: RetentionConfig{
			SweepCron:      "0 */15 * * * *",
			SweepBatchSize: 500,
		},
		Webhook: WebhookConfig{
			MaxAttempts:            5,
			AutoDisableAfter:       20,
			DeliveryTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		ObjectStore: ObjectStoreConfig{
			LocalBaseDir: "data/objects",
		},
		Engine: EngineConfig{
			MaxConcurrency:   4,
			HeartbeatSeconds: 10,
		},
		Gateway: GatewayConfig{
			SessionRouterURL:         "http://session-router:8080",
			StreamIdleTimeoutSeconds: 60,
		},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE env var,
// defaulting to configs/config.yaml) and then overlays environment
// variables, mirroring the teacher's pkg/config loader.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.StateStore.DSN = dsn
		if cfg.EventBus.ListenDSN == "" {
			cfg.EventBus.ListenDSN = dsn
		}
	}

	return cfg, cfg.Validate()
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks that the settings every process actually depends on at
// startup are present, failing fast instead of panicking deep in a goroutine.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateStore.DSN) == "" {
		return fmt.Errorf("config: statestore DSN is required (STATESTORE_DSN or DATABASE_URL)")
	}
	if c.Scheduler.MaxTaskAttempts <= 0 {
		return fmt.Errorf("config: scheduler.max_task_attempts must be positive")
	}
	if c.Scheduler.TimeoutSafetyFactor <= 1 {
		return fmt.Errorf("config: scheduler.timeout_safety_factor must exceed 1")
	}
	return nil
}

// Package config loads server configuration. Precedence, lowest to
// highest: built-in defaults, the optional YAML config file, environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP bind address (node sessions, health, metrics).
	Listen string `yaml:"listen" env:"WOLY_LISTEN"`
	// DataDir holds the SQLite databases.
	DataDir string `yaml:"dataDir" env:"WOLY_DATA_DIR"`

	LogLevel string `yaml:"logLevel" env:"WOLY_LOG_LEVEL"`
	LogJSON  bool   `yaml:"logJson" env:"WOLY_LOG_JSON"`

	Store    StoreConfig    `yaml:"store"`
	Command  CommandConfig  `yaml:"command"`
	Node     NodeConfig     `yaml:"node"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Push     PushConfig     `yaml:"push"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// StoreConfig selects the command store backend.
type StoreConfig struct {
	Backend    string `yaml:"backend" env:"WOLY_STORE_BACKEND"` // memory | sqlite | postgres
	SQLitePath string `yaml:"sqlitePath" env:"WOLY_STORE_SQLITE_PATH"`

	PGHost     string `yaml:"pgHost" env:"WOLY_PG_HOST"`
	PGPort     int    `yaml:"pgPort" env:"WOLY_PG_PORT"`
	PGUser     string `yaml:"pgUser" env:"WOLY_PG_USER"`
	PGPassword string `yaml:"pgPassword" env:"WOLY_PG_PASSWORD"`
	PGDatabase string `yaml:"pgDatabase" env:"WOLY_PG_DATABASE"`
	PGSSLMode  string `yaml:"pgSslMode" env:"WOLY_PG_SSLMODE"`
}

// CommandConfig tunes the command router.
type CommandConfig struct {
	Timeout        time.Duration `yaml:"timeout" env:"WOLY_COMMAND_TIMEOUT"`
	MaxRetries     int           `yaml:"maxRetries" env:"WOLY_COMMAND_MAX_RETRIES"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay" env:"WOLY_COMMAND_RETRY_BASE_DELAY"`
	OfflineTTL     time.Duration `yaml:"offlineTtl" env:"WOLY_COMMAND_OFFLINE_TTL"`
	RetentionDays  int           `yaml:"retentionDays" env:"WOLY_COMMAND_RETENTION_DAYS"`
	// RetentionSchedule is a cron expression for the prune job.
	RetentionSchedule string `yaml:"retentionSchedule" env:"WOLY_RETENTION_SCHEDULE"`
}

// NodeConfig tunes node sessions.
type NodeConfig struct {
	AuthToken         string        `yaml:"authToken" env:"WOLY_NODE_AUTH_TOKEN"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"WOLY_NODE_HEARTBEAT_INTERVAL"`
	Timeout           time.Duration `yaml:"timeout" env:"WOLY_NODE_TIMEOUT"`
	MaxNodes          int           `yaml:"maxNodes" env:"WOLY_NODE_MAX_NODES"`
}

// WebhookConfig tunes outbound webhook delivery.
type WebhookConfig struct {
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay" env:"WOLY_WEBHOOK_RETRY_BASE_DELAY"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout" env:"WOLY_WEBHOOK_DELIVERY_TIMEOUT"`
}

// PushConfig holds push provider credentials.
type PushConfig struct {
	Enabled         bool   `yaml:"enabled" env:"WOLY_PUSH_ENABLED"`
	FCMServerKey    string `yaml:"fcmServerKey" env:"WOLY_FCM_SERVER_KEY"`
	APNSBearerToken string `yaml:"apnsBearerToken" env:"WOLY_APNS_BEARER_TOKEN"`
	APNSTopic       string `yaml:"apnsTopic" env:"WOLY_APNS_TOPIC"`
	APNSHost        string `yaml:"apnsHost" env:"WOLY_APNS_HOST"`
}

// ScheduleConfig is recognized for the scheduling worker, which runs
// outside this server; the keys are accepted so one config file can feed
// both processes.
type ScheduleConfig struct {
	WorkerEnabled bool          `yaml:"workerEnabled" env:"WOLY_SCHEDULE_WORKER_ENABLED"`
	PollInterval  time.Duration `yaml:"pollInterval" env:"WOLY_SCHEDULE_POLL_INTERVAL"`
	BatchSize     int           `yaml:"batchSize" env:"WOLY_SCHEDULE_BATCH_SIZE"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DataDir:  "./data",
		LogLevel: "info",
		LogJSON:  false,
		Store: StoreConfig{
			Backend:   "sqlite",
			PGPort:    5432,
			PGSSLMode: "disable",
		},
		Command: CommandConfig{
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			RetryBaseDelay:    time.Second,
			OfflineTTL:        time.Hour,
			RetentionDays:     30,
			RetentionSchedule: "0 3 * * *",
		},
		Node: NodeConfig{
			HeartbeatInterval: 30 * time.Second,
			Timeout:           60 * time.Second,
			MaxNodes:          1000,
		},
		Webhook: WebhookConfig{
			RetryBaseDelay:  time.Second,
			DeliveryTimeout: 10 * time.Second,
		},
		Push: PushConfig{},
		Schedule: ScheduleConfig{
			PollInterval: time.Minute,
			BatchSize:    50,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is empty, "woly.yaml" is used when present), then environment
// variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat("woly.yaml"); err == nil {
			path = "woly.yaml"
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store backend must be memory, sqlite, or postgres, got %q", c.Store.Backend))
	}

	if c.Command.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("command timeout must be > 0, got %s", c.Command.Timeout))
	}
	if c.Command.OfflineTTL <= 0 {
		errs = append(errs, fmt.Errorf("offline command TTL must be > 0, got %s", c.Command.OfflineTTL))
	}
	if c.Command.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("command retention days must be > 0, got %d", c.Command.RetentionDays))
	}

	if c.Node.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("node heartbeat interval must be > 0, got %s", c.Node.HeartbeatInterval))
	}
	// A timeout under two heartbeat intervals flaps nodes offline on a
	// single missed beat.
	if c.Node.Timeout < 2*c.Node.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("node timeout %s must be at least twice the heartbeat interval %s",
			c.Node.Timeout, c.Node.HeartbeatInterval))
	}

	if c.Push.Enabled && c.Push.FCMServerKey == "" && c.Push.APNSBearerToken == "" {
		errs = append(errs, errors.New("push enabled but no FCM server key or APNS bearer token configured"))
	}

	return errors.Join(errs...)
}

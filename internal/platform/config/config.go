package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Event backends.
const (
	EventsNone  = "none"
	EventsNATS  = "nats"
	EventsKafka = "kafka"
)

// Config is the full service configuration, loaded from the environment.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Approval  ApprovalConfig
	Chat      ChatConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-group-carts"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9090"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type StoreConfig struct {
	Backend    string `env:"STORE_BACKEND" envDefault:"memory"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/carts.db"`
}

type DatabaseConfig struct {
	URL               string        `env:"DATABASE_URL"`
	MaxConns          int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns          int32         `env:"DATABASE_MIN_CONNS" envDefault:"1"`
	MaxConnLifetime   time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime   time.Duration `env:"DATABASE_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	HealthCheckPeriod time.Duration `env:"DATABASE_HEALTH_CHECK_PERIOD" envDefault:"1m"`
}

// ApprovalConfig controls the purchase approval workflow.
type ApprovalConfig struct {
	// Threshold is the number of distinct approvers needed to finalize a purchase.
	Threshold int    `env:"APPROVAL_THRESHOLD" envDefault:"1"`
	Emoji     string `env:"APPROVAL_EMOJI" envDefault:"white_check_mark"`
}

type ChatConfig struct {
	Channel            string `env:"CHAT_CHANNEL" envDefault:"eecs-shopping-cart"`
	OperatorChannel    string `env:"CHAT_OPERATOR_CHANNEL" envDefault:"eecs-shopping-cart-ops"`
	WebhookURL         string `env:"CHAT_WEBHOOK_URL"`
	OperatorWebhookURL string `env:"CHAT_OPERATOR_WEBHOOK_URL"`
}

type EventsConfig struct {
	Backend       string   `env:"EVENTS_BACKEND" envDefault:"none"`
	NATSURL       string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic    string   `env:"KAFKA_TOPIC" envDefault:"group-carts.events"`
	SubjectPrefix string   `env:"EVENTS_SUBJECT_PREFIX" envDefault:"carts"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the service configuration.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Approval.Threshold < 1 {
		return fmt.Errorf("APPROVAL_THRESHOLD must be >= 1, got %d", c.Approval.Threshold)
	}
	if strings.TrimSpace(c.Approval.Emoji) == "" {
		return fmt.Errorf("APPROVAL_EMOJI is required")
	}
	if strings.TrimSpace(c.Chat.Channel) == "" {
		return fmt.Errorf("CHAT_CHANNEL is required")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Events.Backend {
	case EventsNone, EventsNATS:
	case EventsKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka event backend")
		}
	default:
		return fmt.Errorf("unknown EVENTS_BACKEND %q", c.Events.Backend)
	}
	return nil
}

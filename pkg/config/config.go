// Package config loads the connector's runtime configuration from the
// environment and its contract catalog from YAML.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds connector configuration. Every field maps to one environment
// variable.
type Config struct {
	ConnectorID     string `env:"CONNECTOR_ID" envDefault:"connector-local"`
	ParticipantID   string `env:"PARTICIPANT_ID" envDefault:"did:web:localhost"`
	Port            string `env:"PORT" envDefault:"8080"`
	HealthPort      string `env:"HEALTH_PORT" envDefault:"8081"`
	ProtocolAddress string `env:"PROTOCOL_ADDRESS" envDefault:"http://localhost:8080/protocol"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`

	// DatabaseURL selects Postgres; when empty the connector runs in lite
	// mode on SQLite at SQLitePath.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"connector.db"`
	RedisAddr   string `env:"REDIS_ADDR"`

	StateMachineInterval  time.Duration `env:"STATE_MACHINE_INTERVAL" envDefault:"1s"`
	StateMachineBatchSize int           `env:"STATE_MACHINE_BATCH_SIZE" envDefault:"20"`
	LeaseDuration         time.Duration `env:"LEASE_DURATION" envDefault:"60s"`
	SendRetryLimit        int           `env:"SEND_RETRY_LIMIT" envDefault:"7"`
	SendRetryBaseDelay    time.Duration `env:"SEND_RETRY_BASE_DELAY" envDefault:"1s"`
	SendRetryMaxDelay     time.Duration `env:"SEND_RETRY_MAX_DELAY" envDefault:"5m"`

	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
	DispatchRPS     float64       `env:"DISPATCH_RPS" envDefault:"50"`
	DispatchBurst   int           `env:"DISPATCH_BURST" envDefault:"100"`

	CatalogFile string `env:"CATALOG_FILE"`
	// DataPlaneURL is the public endpoint provider transfers hand out.
	DataPlaneURL string `env:"DATA_PLANE_URL"`
	SecretPrefix string `env:"SECRET_PREFIX" envDefault:"CONNECTOR_SECRET_"`

	// SigningKeyFile holds the hex Ed25519 seed; it is generated on first start.
	SigningKeyFile string `env:"SIGNING_KEY_FILE" envDefault:"data/connector.key"`
	// TrustedKeys lists counter-party verification keys as kid:base64 pairs.
	TrustedKeys      map[string]string `env:"TRUSTED_KEYS"`
	ManagementAPIKey string            `env:"MANAGEMENT_API_KEY"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool   `env:"OTEL_INSECURE" envDefault:"true"`
}

// Load parses the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the connector cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ConnectorID == "":
		return fmt.Errorf("CONNECTOR_ID must not be empty")
	case c.StateMachineInterval <= 0:
		return fmt.Errorf("STATE_MACHINE_INTERVAL must be positive, got %s", c.StateMachineInterval)
	case c.StateMachineBatchSize <= 0:
		return fmt.Errorf("STATE_MACHINE_BATCH_SIZE must be positive, got %d", c.StateMachineBatchSize)
	case c.LeaseDuration <= 0:
		return fmt.Errorf("LEASE_DURATION must be positive, got %s", c.LeaseDuration)
	case c.SendRetryLimit <= 0:
		return fmt.Errorf("SEND_RETRY_LIMIT must be positive, got %d", c.SendRetryLimit)
	case c.SendRetryMaxDelay < c.SendRetryBaseDelay:
		return fmt.Errorf("SEND_RETRY_MAX_DELAY (%s) is below SEND_RETRY_BASE_DELAY (%s)", c.SendRetryMaxDelay, c.SendRetryBaseDelay)
	}
	return nil
}

// LiteMode reports whether the connector runs on the embedded SQLite store.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package config defines the configuration structure for the realmrelay
// system. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor principles: values come from the
// OS environment, optionally seeded from a .env file for local development.
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"realmrelay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for sensitive configuration values.
type SecretString = types.SecretString

// Scope selects which configuration sections a binary requires. The relay
// daemon does not need database credentials, and the gateway does not need a
// local store path, so validation is scoped per binary.
type Scope string

const (
	ScopeRelay       Scope = "relay"
	ScopeGateway     Scope = "gateway"
	ScopeMaintenance Scope = "maintenance"
)

// Config is the top-level configuration struct. Sub-components receive only
// the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"realmrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Relay    RelayConfig
	Gateway  GatewayConfig
	Database DatabaseConfig
	AWS      AWSConfig
}

// RelayConfig holds the client-side daemon settings. The delivery tuning
// knobs (batch size, attempts, backoff, purge) are tunable defaults, not a
// bit-exact contract.
type RelayConfig struct {
	// ListenAddr is the local admin/enqueue API bind address. Loopback by
	// default: the relay is a per-player sidecar, not a public service.
	ListenAddr string `envconfig:"RELAY_LISTEN_ADDR" default:"127.0.0.1:7777"`

	// StorePath is the SQLite database file for the durable message store.
	StorePath string `envconfig:"RELAY_STORE_PATH" default:"realmrelay.db"`

	// SessionID is the game session this relay serves. One relay process
	// serves exactly one session.
	SessionID string `envconfig:"RELAY_SESSION_ID" validate:"required"`

	GatewayURL string       `envconfig:"RELAY_GATEWAY_URL" validate:"required,url"`
	Token      SecretString `envconfig:"RELAY_TOKEN" validate:"required"`

	MaxBatchSize int           `envconfig:"RELAY_MAX_BATCH_SIZE" default:"16" validate:"min=1,max=256"`
	MaxAttempts  int           `envconfig:"RELAY_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	BackoffBase  time.Duration `envconfig:"RELAY_BACKOFF_BASE" default:"1s"`
	BackoffCap   time.Duration `envconfig:"RELAY_BACKOFF_CAP" default:"30s"`
	PurgeAfter   time.Duration `envconfig:"RELAY_PURGE_AFTER" default:"72h"`

	// SyncInterval is the periodic drain tick while online. Online
	// transitions trigger an immediate drain regardless.
	SyncInterval time.Duration `envconfig:"RELAY_SYNC_INTERVAL" default:"5s"`

	// DebounceWindow is how long a connectivity state must persist before
	// the monitor fires a transition. Suppresses Wi-Fi flapping.
	DebounceWindow time.Duration `envconfig:"RELAY_DEBOUNCE_WINDOW" default:"750ms"`
	ProbeInterval  time.Duration `envconfig:"RELAY_PROBE_INTERVAL" default:"3s"`

	// StrictOrdering preserves head-of-line blocking: a retrying message
	// holds back everything behind it. Narrative and rules messages are
	// order-sensitive, so this defaults to true.
	StrictOrdering bool `envconfig:"RELAY_STRICT_ORDERING" default:"true"`

	RequestTimeout time.Duration `envconfig:"RELAY_REQUEST_TIMEOUT" default:"10s"`
}

// GatewayConfig holds the server-side ingest settings.
type GatewayConfig struct {
	Port string `envconfig:"PORT" default:"8080"`

	// RelayTokenHash is the bcrypt hash of the shared relay token. The
	// plaintext never reaches the gateway environment.
	RelayTokenHash SecretString `envconfig:"GATEWAY_RELAY_TOKEN_HASH" validate:"required"`

	MaxBatchSize int           `envconfig:"GATEWAY_MAX_BATCH_SIZE" default:"64" validate:"min=1,max=1024"`
	Retention    time.Duration `envconfig:"GATEWAY_RETENTION" default:"720h"`

	// StaleSessionAfter is the idle threshold past which the maintenance
	// task closes a session.
	StaleSessionAfter time.Duration `envconfig:"GATEWAY_STALE_SESSION_AFTER" default:"168h"`
}

// DatabaseConfig holds gateway Postgres connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds the agent queue identifiers and regional configuration for
// the gateway's fanout side.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Per-kind agent queues. Accepted messages are dispatched to the queue
	// matching their kind so the narrator and rules-checker crews consume
	// independent streams.
	NarrativeQueue string `envconfig:"SQS_NARRATIVE_QUEUE" validate:"required,url"`
	RulesQueue     string `envconfig:"SQS_RULES_QUEUE" validate:"required,url"`
	ControlQueue   string `envconfig:"SQS_CONTROL_QUEUE" validate:"required,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

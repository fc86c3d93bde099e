// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs in cursor comparisons.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the sections required by the requesting binary's Scope.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Stage   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the configuration for the given scope.
//
// Scoped validation keeps binaries independent: the relay daemon can start
// without DATABASE_URL, and the gateway without RELAY_GATEWAY_URL. The
// top-level fields (APP_ENV, LOG_LEVEL) are validated for every scope.
func LoadConfig(scope Scope) (*Config, error) {
	// Enforce UTC. Cursor reconciliation compares client and server
	// timestamps; a process-local zone would skew the comparison.
	time.Local = time.UTC

	// godotenv.Load silently succeeds if no .env file exists and never
	// overrides variables already present in the environment.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Stage:   "parse",
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := validateScoped(&cfg, scope); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateScoped runs struct validation on the top-level fields plus the
// sections the given scope requires.
func validateScoped(cfg *Config, scope Scope) error {
	validate := validator.New()

	type section struct {
		name  string
		value any
	}

	sections := []section{
		{"core", struct {
			Environment string `validate:"required,oneof=local dev staging prod"`
		}{cfg.Environment}},
	}

	switch scope {
	case ScopeRelay:
		sections = append(sections, section{"relay", cfg.Relay})
	case ScopeGateway:
		sections = append(sections,
			section{"gateway", cfg.Gateway},
			section{"database", cfg.Database},
			section{"aws", cfg.AWS},
		)
	case ScopeMaintenance:
		sections = append(sections,
			section{"database", cfg.Database},
			section{"aws", cfg.AWS},
		)
	default:
		return &ConfigError{Stage: "validate", Message: fmt.Sprintf("unknown config scope %q", scope)}
	}

	for _, s := range sections {
		if err := validate.Struct(s.value); err != nil {
			return &ConfigError{
				Stage:   "validate",
				Message: fmt.Sprintf("invalid %s configuration", s.name),
				Err:     err,
			}
		}
	}

	return nil
}

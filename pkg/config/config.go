package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/drwave/drwave/pkg/awsapi"
	"github.com/drwave/drwave/pkg/capacity"
	"github.com/drwave/drwave/pkg/claims"
	"github.com/drwave/drwave/pkg/coordinator"
	"github.com/drwave/drwave/pkg/notify"
	"github.com/drwave/drwave/pkg/stores"
	"github.com/drwave/drwave/pkg/telemetry"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
)

// Environment variables that override the file configuration.
const (
	EnvStoreDriver      = "DRWAVE_STORE_DRIVER"
	EnvStorePath        = "DRWAVE_STORE_PATH"
	EnvAWSRegion        = "DRWAVE_AWS_REGION"
	EnvLogLevel         = "DRWAVE_LOG_LEVEL"
	EnvCrossAccountRole = "DRWAVE_CROSS_ACCOUNT_ROLE"
)

// Config is the drwave service configuration.
type Config struct {
	Store       StoreConfig        `yaml:"store"`
	AWS         awsapi.Config      `yaml:"aws"`
	Cache       capacity.Config    `yaml:"cache"`
	Engine      EngineConfig       `yaml:"engine"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Claims      claims.Config      `yaml:"claims"`
	Policy      PolicyConfig       `yaml:"policy"`
	Notify      notify.Config      `yaml:"notify"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver string              `yaml:"driver" validate:"required,oneof=sqlite dynamodb"`
	SQLite stores.Config       `yaml:"sqlite"`
	Dynamo stores.DynamoConfig `yaml:"dynamodb"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	// WriteAttempts bounds re-applies after an optimistic write conflict.
	WriteAttempts int `yaml:"write_attempts" validate:"gte=1,lte=20"`

	// ReservationTimeout is how long a wave reservation blocks other
	// createWave calls before it may be taken over.
	ReservationTimeout time.Duration `yaml:"reservation_timeout" validate:"gt=0"`
}

// PolicyConfig locates the authorization policies.
type PolicyConfig struct {
	// Paths lists .rego/.json files or directories loaded on top of the
	// built-in policies.
	Paths []string `yaml:"paths"`

	// Watch reloads the policies when a file under Paths changes.
	Watch bool `yaml:"watch"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			SQLite: stores.Config{Path: "drwave.db"},
			Dynamo: stores.DynamoConfig{
				ExecutionsTable:         "drwave-executions",
				ClaimsTable:             "drwave-claims",
				RegionsTable:            "drwave-regions",
				AuditTable:              "drwave-audit",
				ClaimsExecutionIndex:    "execution_id-index",
				UnprocessedRetryTimeout: 30 * time.Second,
			},
		},
		AWS:   awsapi.DefaultConfig(),
		Cache: capacity.DefaultConfig(),
		Engine: EngineConfig{
			WriteAttempts:      5,
			ReservationTimeout: 5 * time.Minute,
		},
		Coordinator: coordinator.DefaultConfig(),
		Claims:      claims.Config{GracePeriod: 5 * time.Minute},
		Notify:      notify.DefaultConfig(),
		Telemetry:   *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(content); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(content []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies the DRWAVE_* overrides found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvStoreDriver); ok && v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v, ok := lookup(EnvStorePath); ok && v != "" {
		c.Store.SQLite.Path = v
	}
	if v, ok := lookup(EnvAWSRegion); ok && v != "" {
		c.AWS.Region = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvCrossAccountRole); ok && v != "" {
		c.AWS.CrossAccountRole = v
	}
}

// Validate checks the struct tags of every section, then the rules that
// depend on the selected driver.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c.Store); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("invalid store config: sqlite path is required")
		}
	case DriverDynamoDB:
		if err := v.Struct(c.Store.Dynamo); err != nil {
			return fmt.Errorf("invalid dynamodb config: %w", err)
		}
	}

	if err := v.Struct(c.AWS); err != nil {
		return fmt.Errorf("invalid aws config: %w", err)
	}
	if err := v.Struct(c.Engine); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := v.Struct(c.Coordinator); err != nil {
		return fmt.Errorf("invalid coordinator config: %w", err)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("invalid cache config: ttl must be positive")
	}
	if c.Cache.AccountCeiling <= 0 {
		return fmt.Errorf("invalid cache config: account_ceiling must be positive")
	}
	if c.Claims.GracePeriod < 0 {
		return fmt.Errorf("invalid claims config: grace_period must not be negative")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// Package config loads process configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Storage
	ShardDSNs []string `yaml:"shard_dsns" env:"SHARD_DSNS" envSeparator:","`
	FraudDSN  string   `yaml:"fraud_dsn" env:"FRAUD_DSN"`

	// Server
	Port     string `yaml:"port" env:"SERVER_PORT"`
	Env      string `yaml:"environment" env:"ENVIRONMENT"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	// LogFormat is json or text.
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// Broker
	BrokerKind     string `yaml:"broker_kind" env:"BROKER_KIND"`
	BrokerURL      string `yaml:"broker_url" env:"BROKER_URL"`
	BrokerExchange string `yaml:"broker_exchange" env:"BROKER_EXCHANGE"`

	// Outbox relay
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval" env:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size" env:"OUTBOX_BATCH_SIZE"`
	OutboxLease        time.Duration `yaml:"outbox_lease" env:"OUTBOX_LEASE"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_publish_attempts" env:"OUTBOX_MAX_PUBLISH_ATTEMPTS"`

	// Coordinator
	LegTimeout         time.Duration `yaml:"leg_timeout" env:"LEG_TIMEOUT"`
	PendingTimeout     time.Duration `yaml:"pending_timeout" env:"PENDING_TIMEOUT"`
	RecoveryInterval   time.Duration `yaml:"recovery_interval" env:"RECOVERY_INTERVAL"`
	ConflictMaxRetries int           `yaml:"conflict_max_retries" env:"CONFLICT_MAX_RETRIES"`

	// Fraud
	FraudScoreCeiling    int64   `yaml:"fraud_score_ceiling" env:"FRAUD_SCORE_CEILING"`
	FraudBlockThreshold  float64 `yaml:"fraud_block_threshold" env:"FRAUD_BLOCK_THRESHOLD"`
	FraudReviewThreshold float64 `yaml:"fraud_review_threshold" env:"FRAUD_REVIEW_THRESHOLD"`
	FraudWorkers         int     `yaml:"fraud_workers" env:"FRAUD_WORKERS"`

	// Admin auth
	AuthJWTSecret string `yaml:"auth_jwt_secret" env:"AUTH_JWT_SECRET"`
	AuthIssuer    string `yaml:"auth_issuer" env:"AUTH_ISSUER"`
	AuthAudience  string `yaml:"auth_audience" env:"AUTH_AUDIENCE"`

	// Tracing
	OTelEndpoint    string `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	OTelServiceName string `yaml:"otel_service_name" env:"OTEL_SERVICE_NAME"`
}

// Load reads CONFIG_FILE when set, overlays the environment, fills defaults
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Env == "" {
		c.Env = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.BrokerKind == "" {
		c.BrokerKind = "memory"
	}
	if c.BrokerExchange == "" {
		c.BrokerExchange = "shardledger.events"
	}
	if c.OutboxPollInterval <= 0 {
		c.OutboxPollInterval = 500 * time.Millisecond
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = 100
	}
	if c.OutboxLease <= 0 {
		c.OutboxLease = 30 * time.Second
	}
	if c.OutboxMaxAttempts <= 0 {
		c.OutboxMaxAttempts = 5
	}
	if c.LegTimeout <= 0 {
		c.LegTimeout = 2 * time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 30 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 15 * time.Second
	}
	if c.ConflictMaxRetries <= 0 {
		c.ConflictMaxRetries = 5
	}
	if c.FraudScoreCeiling <= 0 {
		c.FraudScoreCeiling = 100000
	}
	if c.FraudBlockThreshold == 0 {
		c.FraudBlockThreshold = 0.8
	}
	if c.FraudReviewThreshold == 0 {
		c.FraudReviewThreshold = 0.5
	}
	if c.FraudWorkers <= 0 {
		c.FraudWorkers = 1
	}
	if c.AuthIssuer == "" {
		c.AuthIssuer = "shardledger"
	}
	if c.AuthAudience == "" {
		c.AuthAudience = "shardledger-admin"
	}
	if c.OTelServiceName == "" {
		c.OTelServiceName = "shardledger"
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.ShardDSNs) == 0 {
		errs = append(errs, errors.New("SHARD_DSNS environment variable is required"))
	}
	for i, dsn := range c.ShardDSNs {
		if strings.TrimSpace(dsn) == "" {
			errs = append(errs, fmt.Errorf("SHARD_DSNS entry %d is empty", i))
		}
	}
	if c.FraudDSN == "" {
		errs = append(errs, errors.New("FRAUD_DSN environment variable is required"))
	}
	switch c.BrokerKind {
	case "memory":
	case "rabbitmq":
		if c.BrokerURL == "" {
			errs = append(errs, errors.New("BROKER_URL is required for the rabbitmq broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BROKER_KIND %q", c.BrokerKind))
	}
	if c.FraudReviewThreshold <= 0 || c.FraudReviewThreshold > c.FraudBlockThreshold || c.FraudBlockThreshold > 1 {
		errs = append(errs, fmt.Errorf("fraud thresholds must satisfy 0 < review <= block <= 1, got review=%v block=%v",
			c.FraudReviewThreshold, c.FraudBlockThreshold))
	}
	if c.Env == "production" && c.AuthJWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required in production"))
	}
	return errors.Join(errs...)
}

// ShardCount is the fixed number of ledger shards.
func (c *Config) ShardCount() int {
	return len(c.ShardDSNs)
}

// Package config loads the daemon configuration from YAML and environment
// variables. It only describes and checks settings; the engine maps them
// onto component configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks configuration and construction-time contract
// violations. Components wrap it so callers can tell bad settings from I/O
// failures.
var ErrInvalid = errors.New("invalid configuration")

const SupportedSchema = "v1"

type Config struct {
	SchemaVersion string `koanf:"schema_version" yaml:"schema_version"`

	Kafka      KafkaConfig      `koanf:"kafka" yaml:"kafka"`
	Consumer   ConsumerConfig   `koanf:"consumer" yaml:"consumer"`
	Converter  ConverterConfig  `koanf:"converter" yaml:"converter"`
	Publisher  PublisherConfig  `koanf:"publisher" yaml:"publisher"`
	TokenStore TokenStoreConfig `koanf:"token_store" yaml:"token_store"`
	Processor  ProcessorConfig  `koanf:"processor" yaml:"processor"`
	Telemetry  TelemetryConfig  `koanf:"telemetry" yaml:"telemetry"`
	Logging    LoggingConfig    `koanf:"logging" yaml:"logging"`
}

type TelemetryConfig struct {
	MetricsPort int    `koanf:"metrics_port" yaml:"metrics_port"` // 0 disables /metrics
	HealthAddr  string `koanf:"health_addr" yaml:"health_addr"`   // empty disables grpc health
}

type LoggingConfig struct {
	Level      string `koanf:"level" yaml:"level"`
	JSON       bool   `koanf:"json" yaml:"json"`
	File       string `koanf:"file" yaml:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" yaml:"max_backups"`
}

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	applyKafkaDefaults(c)
	applyProcessorDefaults(&c.Processor)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects unknown modes and unsafe timing before anything
// connects.
func (c Config) Validate() error {
	if c.SchemaVersion != SupportedSchema {
		return fmt.Errorf("%w: schema_version %q not supported (want %q)", ErrInvalid, c.SchemaVersion, SupportedSchema)
	}
	var errs []error
	errs = append(errs, c.validateKafka()...)
	errs = append(errs, c.Processor.validate(c.TokenStore.ClaimTimeout)...)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Kafka.SASLPass != "" {
		c.Kafka.SASLPass = "******"
	}
	if c.TokenStore.Etcd.Password != "" {
		c.TokenStore.Etcd.Password = "******"
	}
	return c
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q (want one of %s)", field, v, strings.Join(allowed, ", "))
}

func positive(field string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, d)
	}
	return nil
}

// defaultOwner names this process in claims: hostname plus a random
// suffix so restarts never reuse a live owner id.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "extkafka"
	}
	return host + "-" + uuid.NewString()[:8]
}

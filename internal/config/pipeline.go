package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix selects the environment variables merged over the file:
// EXTKAFKA__CONSUMER__BUFFER_SIZE sets consumer.buffer_size.
const EnvPrefix = "EXTKAFKA__"

// ProcessorConfig drives the segment runner.
type ProcessorConfig struct {
	Name              string        `koanf:"name" yaml:"name"`
	Mode              string        `koanf:"mode" yaml:"mode"` // subscribing|tracking|pooled_streaming
	Owner             string        `koanf:"owner" yaml:"owner"`
	Segments          int           `koanf:"segments" yaml:"segments"`
	MaxInFlight       int           `koanf:"max_in_flight" yaml:"max_in_flight"`
	CommitInterval    time.Duration `koanf:"commit_interval" yaml:"commit_interval"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
	ClaimBackoff      time.Duration `koanf:"claim_backoff" yaml:"claim_backoff"`
	RelayTopic        string        `koanf:"relay_topic" yaml:"relay_topic"`
}

// Load merges YAML (if present) with environment variables and applies
// defaults. The result is not validated; call Validate.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("%w: schema_version %q not supported (want %s)", ErrInvalid, sv, SupportedSchema)
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// envValue maps EXTKAFKA__A__B_C to a.b_c. Comma-separated values become
// lists.
func envValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

func applyProcessorDefaults(p *ProcessorConfig) {
	if p.Name == "" {
		p.Name = "relay"
	}
	if p.Mode == "" {
		p.Mode = "tracking"
	}
	if p.Owner == "" {
		p.Owner = defaultOwner()
	}
	if p.Segments == 0 {
		p.Segments = 1
	}
	if p.MaxInFlight == 0 {
		p.MaxInFlight = 16
	}
	if p.CommitInterval == 0 {
		p.CommitInterval = time.Second
	}
	if p.HeartbeatInterval == 0 {
		p.HeartbeatInterval = 2 * time.Second
	}
	if p.ClaimBackoff == 0 {
		p.ClaimBackoff = 5 * time.Second
	}
}

func (p ProcessorConfig) validate(claimTimeout time.Duration) []error {
	var errs []error
	if err := oneOf("processor.mode", strings.ToLower(p.Mode), "subscribing", "tracking", "pooled_streaming"); err != nil {
		errs = append(errs, err)
	}
	if strings.Contains(p.Name, "/") || p.Name == "" {
		errs = append(errs, fmt.Errorf("processor.name %q must be non-empty and free of '/'", p.Name))
	}
	if p.Segments < 1 {
		errs = append(errs, fmt.Errorf("processor.segments must be at least 1, got %d", p.Segments))
	}
	if p.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("processor.max_in_flight must be at least 1, got %d", p.MaxInFlight))
	}
	for _, err := range []error{
		positive("processor.commit_interval", p.CommitInterval),
		positive("processor.heartbeat_interval", p.HeartbeatInterval),
		positive("processor.claim_backoff", p.ClaimBackoff),
	} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	// a claim must survive one missed heartbeat
	if claimTimeout < 2*p.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("token_store.claim_timeout %s must be at least twice processor.heartbeat_interval %s",
			claimTimeout, p.HeartbeatInterval))
	}
	return errs
}

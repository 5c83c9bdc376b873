package config

import (
	"fmt"
	"strings"
	"time"
)

// KafkaConfig is the broker connection shared by the consumer, the
// publisher and the kafka token store.
type KafkaConfig struct {
	Driver   string   `koanf:"driver" yaml:"driver"` // sarama|kgo
	Brokers  []string `koanf:"brokers" yaml:"brokers"`
	ClientID string   `koanf:"client_id" yaml:"client_id"`
	Version  string   `koanf:"version" yaml:"version"`
	TLSEn    bool     `koanf:"tls_enabled" yaml:"tls_enabled"`
	SASLUser string   `koanf:"sasl_user" yaml:"sasl_user"`
	SASLPass string   `koanf:"sasl_pass" yaml:"sasl_pass"`
}

type RetryConfig struct {
	Attempts uint          `koanf:"attempts" yaml:"attempts"`
	Delay    time.Duration `koanf:"delay" yaml:"delay"`
	MaxDelay time.Duration `koanf:"max_delay" yaml:"max_delay"`
}

type ConsumerConfig struct {
	Topics          []string      `koanf:"topics" yaml:"topics"`
	BufferSize      int           `koanf:"buffer_size" yaml:"buffer_size"`
	MaxPollRecords  int           `koanf:"max_poll_records" yaml:"max_poll_records"`
	PollTimeout     time.Duration `koanf:"poll_timeout" yaml:"poll_timeout"`
	MaxSkew         time.Duration `koanf:"max_skew" yaml:"max_skew"`
	RefreshInterval time.Duration `koanf:"refresh_interval" yaml:"refresh_interval"`
	StartFrom       string        `koanf:"start_from" yaml:"start_from"`         // oldest|newest
	DecodeFailure   string        `koanf:"decode_failure" yaml:"decode_failure"` // skip|fail
	Retry           RetryConfig   `koanf:"retry" yaml:"retry"`
}

type ConverterConfig struct {
	Mode   string `koanf:"mode" yaml:"mode"`     // default|cloud_event
	Source string `koanf:"source" yaml:"source"` // cloud event "source" attribute
}

type PublisherConfig struct {
	Sink                  string `koanf:"sink" yaml:"sink"` // kafka|stdout
	DefaultTopic          string `koanf:"default_topic" yaml:"default_topic"`
	ConfirmationMode      string `koanf:"confirmation_mode" yaml:"confirmation_mode"`
	TransactionalIDPrefix string `koanf:"transactional_id_prefix" yaml:"transactional_id_prefix"`
	PoolSize              int    `koanf:"pool_size" yaml:"pool_size"`
	PrintCounter          bool   `koanf:"print_counter" yaml:"print_counter"`
}

type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints" yaml:"endpoints"`
	Prefix      string        `koanf:"prefix" yaml:"prefix"`
	DialTimeout time.Duration `koanf:"dial_timeout" yaml:"dial_timeout"`
	Username    string        `koanf:"username" yaml:"username"`
	Password    string        `koanf:"password" yaml:"password"`
}

type TokenStoreConfig struct {
	Backend      string        `koanf:"backend" yaml:"backend"` // memory|kafka|etcd
	ClaimTimeout time.Duration `koanf:"claim_timeout" yaml:"claim_timeout"`

	// kafka backend
	Topic             string        `koanf:"topic" yaml:"topic"`
	ReplicationFactor int16         `koanf:"replication_factor" yaml:"replication_factor"`
	CompactionLag     time.Duration `koanf:"compaction_lag" yaml:"compaction_lag"`

	Etcd EtcdConfig `koanf:"etcd" yaml:"etcd"`
}

func applyKafkaDefaults(c *Config) {
	if c.Kafka.Driver == "" {
		c.Kafka.Driver = "sarama"
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "extension-kafka"
	}

	cc := &c.Consumer
	if cc.BufferSize == 0 {
		cc.BufferSize = 10_000
	}
	if cc.MaxPollRecords == 0 {
		cc.MaxPollRecords = 500
	}
	if cc.PollTimeout == 0 {
		cc.PollTimeout = 5 * time.Second
	}
	if cc.MaxSkew == 0 {
		cc.MaxSkew = 30 * time.Second
	}
	if cc.StartFrom == "" {
		cc.StartFrom = "oldest"
	}
	if cc.DecodeFailure == "" {
		cc.DecodeFailure = "skip"
	}
	if cc.Retry.Attempts == 0 {
		cc.Retry.Attempts = 5
	}
	if cc.Retry.Delay == 0 {
		cc.Retry.Delay = 200 * time.Millisecond
	}
	if cc.Retry.MaxDelay == 0 {
		cc.Retry.MaxDelay = 10 * time.Second
	}

	if c.Converter.Mode == "" {
		c.Converter.Mode = "default"
	}

	pc := &c.Publisher
	if pc.Sink == "" {
		pc.Sink = "kafka"
	}
	if pc.ConfirmationMode == "" {
		pc.ConfirmationMode = "none"
	}
	if pc.PoolSize == 0 {
		pc.PoolSize = 1
	}

	ts := &c.TokenStore
	if ts.Backend == "" {
		ts.Backend = "memory"
	}
	if ts.ClaimTimeout == 0 {
		ts.ClaimTimeout = 10 * time.Second
	}
}

func (c Config) validateKafka() []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(oneOf("kafka.driver", c.Kafka.Driver, "sarama", "kgo"))
	if len(c.Kafka.Brokers) == 0 && (c.Publisher.Sink == "kafka" || len(c.Consumer.Topics) > 0 || c.TokenStore.Backend == "kafka") {
		errs = append(errs, fmt.Errorf("kafka.brokers required"))
	}

	cc := c.Consumer
	if cc.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("consumer.buffer_size must be positive, got %d", cc.BufferSize))
	}
	add(positive("consumer.poll_timeout", cc.PollTimeout))
	add(oneOf("consumer.start_from", cc.StartFrom, "oldest", "newest"))
	add(oneOf("consumer.decode_failure", cc.DecodeFailure, "skip", "fail"))

	add(oneOf("converter.mode", strings.ToLower(c.Converter.Mode), "default", "cloud_event"))

	pc := c.Publisher
	add(oneOf("publisher.sink", pc.Sink, "kafka", "stdout"))
	mode := strings.ToLower(pc.ConfirmationMode)
	add(oneOf("publisher.confirmation_mode", mode, "none", "ack", "wait_for_ack", "transactional"))
	if mode == "transactional" && pc.TransactionalIDPrefix == "" {
		errs = append(errs, fmt.Errorf("publisher.confirmation_mode transactional requires transactional_id_prefix"))
	}
	if pc.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("publisher.pool_size must be at least 1, got %d", pc.PoolSize))
	}

	ts := c.TokenStore
	add(oneOf("token_store.backend", ts.Backend, "memory", "kafka", "etcd"))
	add(positive("token_store.claim_timeout", ts.ClaimTimeout))
	if ts.Backend == "etcd" && len(ts.Etcd.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("token_store.etcd.endpoints required"))
	}
	return errs
}

package kafka

import (
	"fmt"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
)

// StartFrom picks where a partition without recorded progress starts.
type StartFrom string

const (
	StartFromOldest StartFrom = "oldest"
	StartFromNewest StartFrom = "newest"
)

// DecodePolicy says what a fetcher does with a record it cannot decode.
type DecodePolicy string

const (
	DecodeSkip DecodePolicy = "skip" // log, count, move on
	DecodeFail DecodePolicy = "fail" // close the stream
)

// ConnConfig is the broker connection shared by every driver.
type ConnConfig struct {
	Brokers    []string
	ClientID   string
	Version    string
	TLSEnabled bool
	SASLUser   string
	SASLPass   string
}

type RetryConfig struct {
	Attempts uint          // total attempts, first included
	Delay    time.Duration // first backoff step
	MaxDelay time.Duration // backoff ceiling
}

// SourceConfig describes one stream source: what to read, how much to
// buffer and how hard to retry.
type SourceConfig struct {
	Driver string
	Conn   ConnConfig
	Topics []string

	// Segment restricts the source to the partitions it owns.
	Segment event.Segment

	BufferSize      int
	MaxPollRecords  int
	PollTimeout     time.Duration
	MaxSkew         time.Duration
	RefreshInterval time.Duration
	StartFrom       StartFrom
	DecodeFailure   DecodePolicy
	Retry           RetryConfig
}

// ApplyDefaults fills every zero field.
func (c *SourceConfig) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "sarama"
	}
	if c.Conn.ClientID == "" {
		c.Conn.ClientID = "extension-kafka"
	}
	if c.Conn.Version == "" {
		c.Conn.Version = "3.6.0"
	}
	if c.Segment.Count == 0 {
		c.Segment = event.WholeLog
	}
	if c.BufferSize == 0 {
		c.BufferSize = 10_000
	}
	if c.MaxPollRecords == 0 {
		c.MaxPollRecords = 500
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.StartFrom == "" {
		c.StartFrom = StartFromOldest
	}
	if c.DecodeFailure == "" {
		c.DecodeFailure = DecodeSkip
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 5
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
}

// Validate rejects a configuration the source cannot run with. It does not
// apply defaults.
func (c SourceConfig) Validate() error {
	switch {
	case len(c.Conn.Brokers) == 0:
		return fmt.Errorf("%w: kafka source needs at least one broker", config.ErrInvalid)
	case len(c.Topics) == 0:
		return fmt.Errorf("%w: kafka source needs at least one topic", config.ErrInvalid)
	case c.BufferSize <= 0:
		return fmt.Errorf("%w: buffer size must be positive, got %d", config.ErrInvalid, c.BufferSize)
	case c.MaxPollRecords <= 0:
		return fmt.Errorf("%w: max poll records must be positive, got %d", config.ErrInvalid, c.MaxPollRecords)
	case c.PollTimeout <= 0:
		return fmt.Errorf("%w: poll timeout must be positive", config.ErrInvalid)
	case c.MaxSkew < 0:
		return fmt.Errorf("%w: max skew must not be negative", config.ErrInvalid)
	case c.RefreshInterval <= 0:
		return fmt.Errorf("%w: refresh interval must be positive", config.ErrInvalid)
	case c.Retry.Attempts == 0:
		return fmt.Errorf("%w: retry attempts must be positive", config.ErrInvalid)
	case c.Retry.MaxDelay < c.Retry.Delay:
		return fmt.Errorf("%w: retry max delay below initial delay", config.ErrInvalid)
	}
	if err := c.Segment.Validate(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if c.StartFrom != StartFromOldest && c.StartFrom != StartFromNewest {
		return fmt.Errorf("%w: start_from %q (want oldest|newest)", config.ErrInvalid, c.StartFrom)
	}
	if c.DecodeFailure != DecodeSkip && c.DecodeFailure != DecodeFail {
		return fmt.Errorf("%w: decode failure policy %q (want skip|fail)", config.ErrInvalid, c.DecodeFailure)
	}
	return nil
}

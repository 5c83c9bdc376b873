package kafka

import (
	"context"

	"github.com/Aarnav2440/extension-kafka/event"
)

// StartOffset is where an assigned partition begins reading: a concrete
// offset or one of the two sentinels.
type StartOffset int64

const (
	StartNewest StartOffset = -1
	StartOldest StartOffset = -2
)

// Driver is one read connection to the brokers. Implementations need not be
// safe for concurrent use; a fetcher owns its driver.
type Driver interface {
	// Partitions lists the current partitions of topics.
	Partitions(ctx context.Context, topics []string) ([]event.Partition, error)
	// Assign replaces the whole assignment.
	Assign(ctx context.Context, assignment map[event.Partition]StartOffset) error
	// Poll returns up to max records, in offset order per partition. It
	// returns an empty result and a nil error when ctx ends first.
	Poll(ctx context.Context, max int) ([]event.Record, error)
	Close() error
}

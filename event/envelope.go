package event

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is a decoded event plus the metadata needed to route, order and
// checkpoint it. Envelopes are values and are never mutated after
// construction; the With* helpers return modified copies.
type Envelope struct {
	ID            string
	Type          string
	Revision      string
	AggregateID   string
	AggregateType string
	Sequence      int64
	Timestamp     time.Time
	Payload       any
	Metadata      map[string]string

	// Position is where the envelope was read from. It is the zero value
	// for envelopes that have not been published yet.
	Position Position
}

type Option func(*Envelope)

func WithID(id string) Option { return func(e *Envelope) { e.ID = id } }

func WithType(typ string) Option { return func(e *Envelope) { e.Type = typ } }

func WithTimestamp(ts time.Time) Option { return func(e *Envelope) { e.Timestamp = ts } }

// WithAggregate marks the event as the seq-th event of an aggregate stream.
func WithAggregate(aggregateType, aggregateID string, seq int64) Option {
	return func(e *Envelope) {
		e.AggregateType, e.AggregateID, e.Sequence = aggregateType, aggregateID, seq
	}
}

func WithMetadata(md map[string]string) Option {
	return func(e *Envelope) {
		e.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// NewEnvelope wraps payload with a random identifier and the current time.
func NewEnvelope(payload any, opts ...Option) Envelope {
	e := Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

// WithPosition returns a copy of e read from pos.
func (e Envelope) WithPosition(pos Position) Envelope {
	e.Position = pos
	return e
}

// RoutingKey is the record key used when publishing: the aggregate id when
// present so that one aggregate always lands in one partition.
func (e Envelope) RoutingKey() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

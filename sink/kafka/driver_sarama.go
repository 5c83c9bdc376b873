package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/telemetry"
	"github.com/Aarnav2440/extension-kafka/sink"
	source "github.com/Aarnav2440/extension-kafka/source/kafka"

	"github.com/IBM/sarama"
)

// Producers builds the sarama producers behind a channel. Tests swap in
// mocks.
type Producers struct {
	Async func(brokers []string, sc *sarama.Config) (sarama.AsyncProducer, error)
	Sync  func(brokers []string, sc *sarama.Config) (sarama.SyncProducer, error)
}

var saramaProducers = Producers{
	Async: sarama.NewAsyncProducer,
	Sync:  sarama.NewSyncProducer,
}

// Channel publishes with sarama. Which producer backs it depends on the
// confirmation mode:
//
//	none           one AsyncProducer, no broker acks
//	ack            one idempotent SyncProducer, acks from all replicas
//	transactional  PoolSize transactional SyncProducers
type Channel struct {
	mode sink.ConfirmationMode
	log  *slog.Logger

	mu     sync.RWMutex // write-locked by Close
	closed bool

	async   sarama.AsyncProducer
	drained sync.WaitGroup

	acked sarama.SyncProducer

	pool     chan sarama.SyncProducer
	all      []sarama.SyncProducer
	poolDone chan struct{}
}

func New(cfg sink.ChannelConfig) (*Channel, error) {
	return NewWithProducers(cfg, saramaProducers)
}

func NewWithProducers(cfg sink.ChannelConfig, prod Producers) (*Channel, error) {
	sc, err := source.SaramaConfig(cfg.Conn)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		mode: cfg.Mode,
		log:  logging.L().With("sink", "kafka", "mode", string(cfg.Mode)),
	}

	switch cfg.Mode {
	case sink.ConfirmNone:
		sc.Producer.RequiredAcks = sarama.NoResponse
		sc.Producer.Return.Errors = true
		if c.async, err = prod.Async(cfg.Conn.Brokers, sc); err != nil {
			return nil, err
		}
		c.drained.Add(1)
		go c.drainErrors()

	case sink.ConfirmAck:
		idempotent(sc)
		if c.acked, err = prod.Sync(cfg.Conn.Brokers, sc); err != nil {
			return nil, err
		}

	case sink.ConfirmTransactional:
		size := cfg.PoolSize
		if size <= 0 {
			size = 1
		}
		c.pool = make(chan sarama.SyncProducer, size)
		c.poolDone = make(chan struct{})
		for n := 0; n < size; n++ {
			tc := *sc
			idempotent(&tc)
			tc.Producer.Transaction.ID = cfg.TransactionalIDPrefix + "-" + strconv.Itoa(n)
			p, err := prod.Sync(cfg.Conn.Brokers, &tc)
			if err != nil {
				for _, open := range c.all {
					_ = open.Close()
				}
				return nil, fmt.Errorf("transactional producer %s: %w", tc.Producer.Transaction.ID, err)
			}
			c.all = append(c.all, p)
			c.pool <- p
		}

	default:
		return nil, fmt.Errorf("kafka-sink: unsupported confirmation mode %q", cfg.Mode)
	}
	return c, nil
}

func idempotent(sc *sarama.Config) {
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Producer.Return.Successes = true
	sc.Net.MaxOpenRequests = 1
}

func (c *Channel) Mode() sink.ConfirmationMode { return c.mode }

func (c *Channel) Send(ctx context.Context, recs []event.Record) error {
	if len(recs) == 0 {
		return nil
	}
	switch c.mode {
	case sink.ConfirmNone:
		return c.sendAsync(ctx, recs)
	case sink.ConfirmAck:
		return c.sendSync(ctx, recs)
	default:
		tx, err := c.Begin(ctx)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := tx.Send(ctx, r); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		return tx.Commit(ctx)
	}
}

func (c *Channel) sendAsync(ctx context.Context, recs []event.Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return sink.ErrClosed
	}
	for _, r := range recs {
		select {
		case c.async.Input() <- toMessage(r):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) sendSync(ctx context.Context, recs []event.Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return sink.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*sarama.ProducerMessage, len(recs))
	for i, r := range recs {
		msgs[i] = toMessage(r)
	}
	if err := c.acked.SendMessages(msgs); err != nil {
		return fmt.Errorf("%w: %w", sink.ErrPublish, err)
	}
	return nil
}

// drainErrors logs and counts failures nobody waits for.
func (c *Channel) drainErrors() {
	defer c.drained.Done()
	for perr := range c.async.Errors() {
		telemetry.PublishResults.WithLabelValues(string(sink.ConfirmNone), "dropped").Inc()
		c.log.Warn("kafka-sink: unconfirmed publish failed", "topic", perr.Msg.Topic, "err", perr.Err)
	}
}

// Begin borrows a transactional producer, waiting while all are in use.
func (c *Channel) Begin(ctx context.Context) (sink.Tx, error) {
	if !c.mode.IsTransactional() {
		return nil, sink.ErrNotTransactional
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, sink.ErrClosed
	}
	var p sarama.SyncProducer
	select {
	case p = <-c.pool:
	case <-c.poolDone:
		return nil, sink.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := p.BeginTxn(); err != nil {
		c.pool <- p
		return nil, fmt.Errorf("%w: begin: %w", sink.ErrPublish, err)
	}
	return &tx{ch: c, p: p}, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	switch c.mode {
	case sink.ConfirmNone:
		c.async.AsyncClose()
		c.drained.Wait()
		return nil
	case sink.ConfirmAck:
		return c.acked.Close()
	default:
		close(c.poolDone)
		var firstErr error
		for _, p := range c.all {
			if err := p.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

/* ────────── transaction ────────── */

type tx struct {
	ch *Channel
	p  sarama.SyncProducer

	mu   sync.Mutex
	done bool
}

func (t *tx) Send(_ context.Context, rec event.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sink.ErrTxDone
	}
	if _, _, err := t.p.SendMessage(toMessage(rec)); err != nil {
		return fmt.Errorf("%w: %w", sink.ErrPublish, err)
	}
	return nil
}

// Commit aborts the transaction when the commit itself fails.
func (t *tx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sink.ErrTxDone
	}
	t.done = true
	defer t.release()

	if err := t.p.CommitTxn(); err != nil {
		if abortErr := t.p.AbortTxn(); abortErr != nil {
			t.ch.log.Error("kafka-sink: abort after failed commit", "err", abortErr)
		}
		return fmt.Errorf("%w: commit: %w", sink.ErrPublish, err)
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sink.ErrTxDone
	}
	t.done = true
	defer t.release()

	if err := t.p.AbortTxn(); err != nil {
		return fmt.Errorf("%w: abort: %w", sink.ErrPublish, err)
	}
	return nil
}

func (t *tx) release() { t.ch.pool <- t.p }

func toMessage(r event.Record) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     r.Topic,
		Value:     sarama.ByteEncoder(r.Value),
		Timestamp: r.Timestamp,
	}
	if r.Key != nil {
		msg.Key = sarama.ByteEncoder(r.Key)
	}
	if len(r.Headers) > 0 {
		msg.Headers = make([]sarama.RecordHeader, 0, len(r.Headers))
		for _, h := range r.Headers {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value})
		}
	}
	return msg
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("kafka", func(cfg sink.ChannelConfig) (sink.Channel, error) { return New(cfg) })
}

// Package kafkalog stores claims in a single-partition compacted Kafka
// topic, one key per segment. Kafka has no conditional write, so a
// compare-and-swap is an append followed by a replay of the log up to the
// appended record: the write took effect iff replay accepted it.
package kafkalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	source "github.com/Aarnav2440/extension-kafka/source/kafka"
	"github.com/Aarnav2440/extension-kafka/tokenstore"

	"github.com/IBM/sarama"
	retry "github.com/avast/retry-go/v5"
)

var ErrClosed = errors.New("kafkalog: backend closed")

const partition int32 = 0

type Config struct {
	Conn              source.ConnConfig
	Topic             string
	ReplicationFactor int16
	// CompactionLag keeps recent records out of compaction so racing
	// writers are always replayed in full.
	CompactionLag time.Duration
	Retry         source.RetryConfig
}

func (c *Config) ApplyDefaults() {
	if c.Topic == "" {
		c.Topic = "__extkafka_tokens"
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 1
	}
	if c.CompactionLag == 0 {
		c.CompactionLag = time.Hour
	}
	if c.Retry.Attempts == 0 {
		c.Retry = source.RetryConfig{Attempts: 5, Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
	}
}

func (c Config) Validate() error {
	if len(c.Conn.Brokers) == 0 {
		return fmt.Errorf("%w: kafkalog needs brokers", config.ErrInvalid)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("%w: kafkalog replication factor %d", config.ErrInvalid, c.ReplicationFactor)
	}
	return nil
}

// Backend is a tokenstore.Backend over a compacted topic. Every instance
// tails the whole topic and keeps the replayed table in memory.
type Backend struct {
	cfg Config
	log *slog.Logger

	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer
	done     chan struct{}

	mu    sync.Mutex
	cond  *sync.Cond
	state *logState
	err   error // set once the reader stops

	closeOnce sync.Once
}

// Open creates the topic if needed and starts replaying it.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := source.SaramaConfig(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Net.MaxOpenRequests = 1

	client, err := sarama.NewClient(cfg.Conn.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafkalog: connect: %w", err)
	}
	b := &Backend{
		cfg:    cfg,
		log:    logging.L().With("component", "kafkalog", "topic", cfg.Topic),
		client: client,
		done:   make(chan struct{}),
		state:  newLogState(),
	}
	b.cond = sync.NewCond(&b.mu)

	if err := b.ensureTopic(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if b.producer, err = sarama.NewSyncProducerFromClient(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafkalog: producer: %w", err)
	}
	if b.consumer, err = sarama.NewConsumerFromClient(client); err != nil {
		_ = b.producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafkalog: consumer: %w", err)
	}
	if b.pc, err = b.consumer.ConsumePartition(cfg.Topic, partition, sarama.OffsetOldest); err != nil {
		_ = b.consumer.Close()
		_ = b.producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafkalog: consume %s: %w", cfg.Topic, err)
	}
	go b.replay()
	return b, nil
}

func (b *Backend) ensureTopic(ctx context.Context) error {
	admin, err := sarama.NewClusterAdminFromClient(b.client)
	if err != nil {
		return fmt.Errorf("kafkalog: admin: %w", err)
	}
	// admin shares b.client; closing it would close the client too
	compact := "compact"
	lag := strconv.FormatInt(b.cfg.CompactionLag.Milliseconds(), 10)
	detail := &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: b.cfg.ReplicationFactor,
		ConfigEntries: map[string]*string{
			"cleanup.policy":        &compact,
			"min.compaction.lag.ms": &lag,
		},
	}
	return retry.New(b.retryOpts(ctx, "create-topic")...).Do(func() error {
		err := admin.CreateTopic(b.cfg.Topic, detail, false)
		var te *sarama.TopicError
		if err == nil || errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
			return b.client.RefreshMetadata(b.cfg.Topic)
		}
		return fmt.Errorf("kafkalog: create %s: %w", b.cfg.Topic, err)
	})
}

func (b *Backend) replay() {
	defer close(b.done)
	for msg := range b.pc.Messages() {
		b.applyMessage(msg)
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = ErrClosed
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Backend) applyMessage(msg *sarama.ConsumerMessage) {
	var (
		rec tokenstore.Record
		err error
	)
	if msg.Value != nil {
		rec, err = tokenstore.DecodeRecord(msg.Value)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.cond.Broadcast()
	switch {
	case msg.Value == nil:
		// foreign tombstone; nothing to replay
		b.state.applied = max(b.state.applied, msg.Offset)
	case err != nil || rec.Claim.Segment != string(msg.Key):
		b.log.Error("kafkalog: skipping unreadable record", "offset", msg.Offset, "key", string(msg.Key), "err", err)
		b.state.applied = max(b.state.applied, msg.Offset)
	default:
		b.state.apply(msg.Offset, rec)
	}
}

// waitApplied blocks until the replay reached offset.
func (b *Backend) waitApplied(ctx context.Context, offset int64) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.state.applied < offset {
		if b.err != nil {
			return b.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

// catchUp replays everything written before the call.
func (b *Backend) catchUp(ctx context.Context) error {
	hwm, err := retry.NewWithData[int64](b.retryOpts(ctx, "high-water-mark")...).Do(func() (int64, error) {
		return b.client.GetOffset(b.cfg.Topic, partition, sarama.OffsetNewest)
	})
	if err != nil {
		return fmt.Errorf("kafkalog: high-water mark: %w", err)
	}
	return b.waitApplied(ctx, hwm-1)
}

func (b *Backend) Load(ctx context.Context, segment string) (*tokenstore.Claim, uint64, error) {
	if err := b.catchUp(ctx); err != nil {
		return nil, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, gen := b.state.load(segment)
	return c, gen, nil
}

// CompareAndSwap appends next (or a deletion marker) expecting version and
// waits for the replay to decide it.
func (b *Backend) CompareAndSwap(ctx context.Context, segment string, version uint64, next *tokenstore.Claim) (bool, error) {
	b.mu.Lock()
	_, gen := b.state.load(segment)
	if gen > version {
		b.mu.Unlock()
		// already superseded locally, no need to append a losing record
		return false, nil
	}
	b.state.watch()
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.state.unwatch()
		b.mu.Unlock()
	}()

	rec := tokenstore.Record{Expect: version, Generation: version + 1, Deleted: next == nil}
	if next != nil {
		rec.Claim = *next
	}
	rec.Claim.Segment = segment

	_, offset, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     b.cfg.Topic,
		Partition: partition,
		Key:       sarama.StringEncoder(segment),
		Value:     sarama.ByteEncoder(rec.Encode()),
	})
	if err != nil {
		return false, fmt.Errorf("kafkalog: append %s: %w", segment, err)
	}
	if err := b.waitApplied(ctx, offset); err != nil {
		return false, err
	}

	b.mu.Lock()
	won := b.state.acceptedAt(offset)
	b.mu.Unlock()
	return won, nil
}

func (b *Backend) List(ctx context.Context) ([]tokenstore.Claim, error) {
	if err := b.catchUp(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.list(), nil
}

func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pc.Close()
		<-b.done
		if cerr := b.consumer.Close(); err == nil {
			err = cerr
		}
		if cerr := b.producer.Close(); err == nil {
			err = cerr
		}
		if cerr := b.client.Close(); err == nil && !errors.Is(cerr, sarama.ErrClosedClient) {
			err = cerr
		}
	})
	return err
}

func (b *Backend) retryOpts(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(b.cfg.Retry.Attempts),
		retry.Delay(b.cfg.Retry.Delay),
		retry.MaxDelay(b.cfg.Retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.log.Warn("kafkalog: retrying", "op", op, "attempt", n+1, "err", err)
		}),
	}
}

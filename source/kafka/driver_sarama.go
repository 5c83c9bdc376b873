package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/logging"

	"github.com/IBM/sarama"
)

func init() {
	Register("sarama", NewSaramaDriver)
}

// SaramaConfig translates the connection settings into a sarama config.
// Producers and admin clients elsewhere start from the same base.
func SaramaConfig(conn ConnConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if conn.Version != "" {
		ver, err := sarama.ParseKafkaVersion(conn.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if conn.ClientID != "" {
		sc.ClientID = conn.ClientID
	}
	if conn.TLSEnabled {
		sc.Net.TLS.Enable = true
	}
	if conn.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = conn.SASLUser, conn.SASLPass
	}
	return sc, nil
}

// SaramaDriver reads assigned partitions with one PartitionConsumer each and
// fans their messages into a single channel.
type SaramaDriver struct {
	cl       sarama.Client
	consumer sarama.Consumer

	mu       sync.Mutex
	assigned map[event.Partition]sarama.PartitionConsumer
	stop     chan struct{}
	wg       sync.WaitGroup

	msgs chan *sarama.ConsumerMessage
	errs chan error
}

func NewSaramaDriver(conn ConnConfig) (Driver, error) {
	sc, err := saramaConsumerConfig(conn)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(conn.Brokers, sc)
	if err != nil {
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	return newSaramaDriver(cl, consumer), nil
}

// saramaConsumerConfig only reads committed records, so aborted
// transactional writes never reach a handler.
func saramaConsumerConfig(conn ConnConfig) (*sarama.Config, error) {
	sc, err := SaramaConfig(conn)
	if err != nil {
		return nil, err
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.IsolationLevel = sarama.ReadCommitted
	return sc, nil
}

// newSaramaDriver takes ownership of consumer and, when not nil, cl.
func newSaramaDriver(cl sarama.Client, consumer sarama.Consumer) *SaramaDriver {
	return &SaramaDriver{
		cl:       cl,
		consumer: consumer,
		assigned: make(map[event.Partition]sarama.PartitionConsumer),
		msgs:     make(chan *sarama.ConsumerMessage, 256),
		errs:     make(chan error, 1),
	}
}

func (d *SaramaDriver) Partitions(_ context.Context, topics []string) ([]event.Partition, error) {
	if d.cl != nil {
		if err := d.cl.RefreshMetadata(topics...); err != nil {
			return nil, err
		}
	}
	var out []event.Partition
	for _, topic := range topics {
		ids, err := d.consumer.Partitions(topic)
		if err != nil {
			return nil, fmt.Errorf("partitions of %s: %w", topic, err)
		}
		for _, id := range ids {
			out = append(out, event.Partition{Topic: topic, ID: id})
		}
	}
	return out, nil
}

func (d *SaramaDriver) Assign(_ context.Context, assignment map[event.Partition]StartOffset) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()

	stop := make(chan struct{})
	d.stop = stop
	for p, start := range assignment {
		pc, err := d.consumer.ConsumePartition(p.Topic, p.ID, int64(start))
		if err != nil {
			d.stopLocked()
			return fmt.Errorf("consume %s from %d: %w", p, start, err)
		}
		d.assigned[p] = pc
		d.wg.Add(1)
		go d.forward(pc, stop)
	}
	logging.L().Debug("sarama-driver: assigned", "partitions", len(assignment))
	return nil
}

// forward copies one partition's messages until the assignment changes.
func (d *SaramaDriver) forward(pc sarama.PartitionConsumer, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			select {
			case d.msgs <- msg:
			case <-stop:
				return
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			select {
			case d.errs <- err:
			default:
			}
		}
	}
}

// stopLocked closes every partition consumer and discards what they had
// already forwarded.
func (d *SaramaDriver) stopLocked() {
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	for p, pc := range d.assigned {
		// Close drains both channels, so the forwarders may already be gone.
		_ = pc.Close()
		delete(d.assigned, p)
	}
	d.wg.Wait()
	for {
		select {
		case <-d.msgs:
		case <-d.errs:
		default:
			return
		}
	}
}

func (d *SaramaDriver) Poll(ctx context.Context, max int) ([]event.Record, error) {
	var out []event.Record
	select {
	case <-ctx.Done():
		return nil, nil
	case err := <-d.errs:
		return nil, err
	case msg := <-d.msgs:
		out = append(out, fromSarama(msg))
	}
	for len(out) < max {
		select {
		case msg := <-d.msgs:
			out = append(out, fromSarama(msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (d *SaramaDriver) Close() error {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
	err := d.consumer.Close()
	if d.cl != nil {
		err = d.cl.Close()
	}
	return err
}

func fromSarama(msg *sarama.ConsumerMessage) event.Record {
	rec := event.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]event.Header, 0, len(msg.Headers))
		for _, h := range msg.Headers {
			rec.Headers = append(rec.Headers, event.Header{Key: string(h.Key), Value: h.Value})
		}
	}
	return rec
}

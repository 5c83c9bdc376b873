package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/Aarnav2440/extension-kafka/event"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

func init() {
	Register("kgo", NewKgoDriver)
}

// KgoDriver reads with franz-go. Every assignment builds a fresh consuming
// client; metadata goes through a long-lived one.
type KgoDriver struct {
	base []kgo.Opt
	meta *kgo.Client
	cl   *kgo.Client
}

func NewKgoDriver(conn ConnConfig) (Driver, error) {
	base := kgoOpts(conn)
	meta, err := kgo.NewClient(base...)
	if err != nil {
		return nil, err
	}
	return &KgoDriver{base: base, meta: meta}, nil
}

// kgoOpts is shared by the metadata and consuming clients. Fetches are
// read_committed so aborted transactional writes are skipped.
func kgoOpts(conn ConnConfig) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(conn.Brokers...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	}
	if conn.ClientID != "" {
		opts = append(opts, kgo.ClientID(conn.ClientID))
	}
	if conn.TLSEnabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if conn.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: conn.SASLUser, Pass: conn.SASLPass}.AsMechanism()))
	}
	return opts
}

func (d *KgoDriver) Partitions(ctx context.Context, topics []string) ([]event.Partition, error) {
	req := kmsg.NewPtrMetadataRequest()
	for _, topic := range topics {
		t := kmsg.NewMetadataRequestTopic()
		t.Topic = kmsg.StringPtr(topic)
		req.Topics = append(req.Topics, t)
	}
	resp, err := req.RequestWith(ctx, d.meta)
	if err != nil {
		return nil, err
	}
	var out []event.Partition
	for _, t := range resp.Topics {
		if t.Topic == nil {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return nil, fmt.Errorf("partitions of %s: %w", *t.Topic, err)
		}
		for _, p := range t.Partitions {
			out = append(out, event.Partition{Topic: *t.Topic, ID: p.Partition})
		}
	}
	return out, nil
}

func (d *KgoDriver) Assign(_ context.Context, assignment map[event.Partition]StartOffset) error {
	if d.cl != nil {
		d.cl.Close()
		d.cl = nil
	}
	if len(assignment) == 0 {
		return nil
	}
	parts := make(map[string]map[int32]kgo.Offset)
	for p, start := range assignment {
		if parts[p.Topic] == nil {
			parts[p.Topic] = make(map[int32]kgo.Offset)
		}
		parts[p.Topic][p.ID] = kgoOffset(start)
	}
	opts := append(append([]kgo.Opt(nil), d.base...), kgo.ConsumePartitions(parts))
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return err
	}
	d.cl = cl
	return nil
}

func (d *KgoDriver) Poll(ctx context.Context, max int) ([]event.Record, error) {
	if d.cl == nil {
		<-ctx.Done()
		return nil, nil
	}
	fetches := d.cl.PollRecords(ctx, max)
	if fetches.IsClientClosed() {
		return nil, ErrBufferClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("fetch %s-%d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	out := make([]event.Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, fromKgo(r))
	})
	return out, nil
}

func (d *KgoDriver) Close() error {
	if d.cl != nil {
		d.cl.Close()
		d.cl = nil
	}
	d.meta.Close()
	return nil
}

func kgoOffset(start StartOffset) kgo.Offset {
	switch start {
	case StartOldest:
		return kgo.NewOffset().AtStart()
	case StartNewest:
		return kgo.NewOffset().AtEnd()
	default:
		return kgo.NewOffset().At(int64(start))
	}
}

func fromKgo(r *kgo.Record) event.Record {
	rec := event.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		rec.Headers = make([]event.Header, 0, len(r.Headers))
		for _, h := range r.Headers {
			rec.Headers = append(rec.Headers, event.Header{Key: h.Key, Value: h.Value})
		}
	}
	return rec
}

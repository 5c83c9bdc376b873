package sink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

// recordingChannel remembers what reached the "broker": plain sends and
// committed transactions.
type recordingChannel struct {
	mode ConfirmationMode

	mu        sync.Mutex
	sent      []event.Record
	committed []event.Record
	aborted   int
	begins    int
	sendErr   error
	txSendErr error
}

func (c *recordingChannel) Mode() ConfirmationMode { return c.mode }

func (c *recordingChannel) Send(_ context.Context, recs []event.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, recs...)
	return nil
}

func (c *recordingChannel) Begin(context.Context) (Tx, error) {
	if !c.mode.IsTransactional() {
		return nil, ErrNotTransactional
	}
	c.mu.Lock()
	c.begins++
	c.mu.Unlock()
	return &recordingTx{c: c}, nil
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) snapshot() (sent, committed []event.Record, aborted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.committed, c.aborted
}

type recordingTx struct {
	c       *recordingChannel
	pending []event.Record
	done    bool
}

func (t *recordingTx) Send(_ context.Context, r event.Record) error {
	if t.done {
		return ErrTxDone
	}
	if t.c.txSendErr != nil {
		return t.c.txSendErr
	}
	t.pending = append(t.pending, r)
	return nil
}

func (t *recordingTx) Commit(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.c.mu.Lock()
	t.c.committed = append(t.c.committed, t.pending...)
	t.c.mu.Unlock()
	return nil
}

func (t *recordingTx) Rollback(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.c.mu.Lock()
	t.c.aborted++
	t.c.mu.Unlock()
	return nil
}

func newPublisher(t *testing.T, mode ConfirmationMode, resolver TopicResolver) (*Publisher, *recordingChannel) {
	t.Helper()
	conv, err := event.NewConverter(event.ConverterDefault, event.NewJSONSerializer(), "")
	require.NoError(t, err)
	ch := &recordingChannel{mode: mode}
	p, err := NewPublisher(PublisherConfig{DefaultTopic: "events", TopicResolver: resolver}, ch, conv)
	require.NoError(t, err)
	return p, ch
}

func events(n int) []event.Envelope {
	out := make([]event.Envelope, n)
	for i := range out {
		out[i] = event.NewEnvelope([]byte("payload"), event.WithAggregate("Order", "o-1", int64(i)))
	}
	return out
}

func TestPublish_NoneSendsImmediately(t *testing.T) {
	p, ch := newPublisher(t, ConfirmNone, nil)
	uow := NewUnitOfWork()

	require.NoError(t, p.Publish(context.Background(), uow, events(2)...))
	sent, _, _ := ch.snapshot()
	require.Len(t, sent, 2)
	require.Equal(t, "events", sent[0].Topic)
}

func TestPublish_AckWaitsForUnitOfWork(t *testing.T) {
	p, ch := newPublisher(t, ConfirmAck, nil)
	uow := NewUnitOfWork()

	require.NoError(t, p.Publish(context.Background(), uow, events(3)...))
	sent, _, _ := ch.snapshot()
	require.Empty(t, sent)

	require.NoError(t, uow.Commit(context.Background()))
	sent, _, _ = ch.snapshot()
	require.Len(t, sent, 3)

	// without a unit of work the send happens right away
	require.NoError(t, p.Publish(context.Background(), nil, events(1)...))
	sent, _, _ = ch.snapshot()
	require.Len(t, sent, 4)
}

func TestPublish_AckFailureFailsCommit(t *testing.T) {
	p, ch := newPublisher(t, ConfirmAck, nil)
	ch.sendErr = ErrPublish
	uow := NewUnitOfWork()

	var rolledBack error
	uow.OnRollback(func(_ context.Context, cause error) { rolledBack = cause })
	require.NoError(t, p.Publish(context.Background(), uow, events(1)...))
	require.ErrorIs(t, uow.Commit(context.Background()), ErrPublish)
	require.ErrorIs(t, rolledBack, ErrPublish)
}

func TestPublish_TransactionalCommitAndRollback(t *testing.T) {
	p, ch := newPublisher(t, ConfirmTransactional, nil)
	ctx := context.Background()

	committedUow := NewUnitOfWork()
	require.NoError(t, p.Publish(ctx, committedUow, events(2)...))
	_, committed, _ := ch.snapshot()
	require.Empty(t, committed, "records visible before the unit of work committed")
	require.NoError(t, committedUow.Commit(ctx))
	_, committed, _ = ch.snapshot()
	require.Len(t, committed, 2)

	rolledBackUow := NewUnitOfWork()
	require.NoError(t, p.Publish(ctx, rolledBackUow, events(5)...))
	require.NoError(t, rolledBackUow.Rollback(ctx, errors.New("handler failed")))
	_, committed, aborted := ch.snapshot()
	require.Len(t, committed, 2)
	require.Equal(t, 1, aborted)

	require.NoError(t, p.Publish(ctx, nil, events(1)...))
	_, committed, _ = ch.snapshot()
	require.Len(t, committed, 3)
}

func TestPublish_TransactionalUnitOfWorkSharesOneTransaction(t *testing.T) {
	p, ch := newPublisher(t, ConfirmTransactional, nil)
	relay, err := NewPublisher(PublisherConfig{DefaultTopic: "relay"}, ch, p.conv)
	require.NoError(t, err)
	ctx := context.Background()

	uow := NewUnitOfWork()
	require.NoError(t, p.Publish(ctx, uow, events(1)...))
	require.NoError(t, p.Publish(ctx, uow, events(2)...))
	require.NoError(t, relay.Publish(ctx, uow, events(1)...))
	require.NoError(t, uow.Commit(ctx))

	_, committed, aborted := ch.snapshot()
	require.Len(t, committed, 4)
	require.Zero(t, aborted)
	ch.mu.Lock()
	require.Equal(t, 1, ch.begins)
	ch.mu.Unlock()
}

func TestPublish_TransactionalUnitOfWorkFailedSendFailsCommit(t *testing.T) {
	p, ch := newPublisher(t, ConfirmTransactional, nil)
	ctx := context.Background()

	uow := NewUnitOfWork()
	require.NoError(t, p.Publish(ctx, uow, events(2)...))
	ch.txSendErr = ErrPublish
	require.ErrorIs(t, p.Publish(ctx, uow, events(1)...), ErrPublish)
	ch.txSendErr = nil
	require.ErrorIs(t, p.Publish(ctx, uow, events(1)...), ErrPublish)

	require.ErrorIs(t, uow.Commit(ctx), ErrPublish)
	_, committed, aborted := ch.snapshot()
	require.Empty(t, committed)
	require.Equal(t, 1, aborted)
}

func TestPublish_TransactionalSendFailureRollsBack(t *testing.T) {
	p, ch := newPublisher(t, ConfirmTransactional, nil)
	ch.txSendErr = ErrPublish

	err := p.Publish(context.Background(), nil, events(2)...)
	require.ErrorIs(t, err, ErrPublish)
	_, committed, aborted := ch.snapshot()
	require.Empty(t, committed)
	require.Equal(t, 1, aborted)
}

func TestPublish_TopicResolution(t *testing.T) {
	resolver := func(e event.Envelope) string {
		if e.Sequence == 1 {
			return "special"
		}
		return ""
	}
	p, ch := newPublisher(t, ConfirmNone, resolver)
	require.NoError(t, p.Publish(context.Background(), nil, events(2)...))
	sent, _, _ := ch.snapshot()
	require.Equal(t, "events", sent[0].Topic)
	require.Equal(t, "special", sent[1].Topic)
}

func TestPublish_InjectsTraceContext(t *testing.T) {
	p, ch := newPublisher(t, ConfirmNone, nil)
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	require.NoError(t, p.Publish(ctx, nil, events(1)...))
	sent, _, _ := ch.snapshot()
	tp, ok := sent[0].Header("traceparent")
	require.True(t, ok)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", string(tp))
}

func TestPublish_SerializationFailure(t *testing.T) {
	p, ch := newPublisher(t, ConfirmNone, nil)
	err := p.Publish(context.Background(), nil, event.NewEnvelope(struct{ X int }{1}))
	require.ErrorIs(t, err, event.ErrSerialization)
	sent, _, _ := ch.snapshot()
	require.Empty(t, sent)
}

func TestNewPublisher_Validation(t *testing.T) {
	conv, err := event.NewConverter(event.ConverterDefault, event.NewJSONSerializer(), "")
	require.NoError(t, err)
	_, err = NewPublisher(PublisherConfig{}, &recordingChannel{mode: ConfirmNone}, conv)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestLocalUnitOfWork_CompletesOnce(t *testing.T) {
	uow := NewUnitOfWork()
	var order []string
	uow.OnPrepareCommit(func(context.Context) error { order = append(order, "first"); return nil })
	uow.OnPrepareCommit(func(context.Context) error { order = append(order, "second"); return nil })

	require.NoError(t, uow.Commit(context.Background()))
	require.Equal(t, []string{"first", "second"}, order)
	require.ErrorIs(t, uow.Commit(context.Background()), ErrUnitOfWorkDone)
	require.ErrorIs(t, uow.Rollback(context.Background(), nil), ErrUnitOfWorkDone)
}

func TestConfirmationMode(t *testing.T) {
	for in, want := range map[string]ConfirmationMode{
		"":              ConfirmNone,
		"NONE":          ConfirmNone,
		"Ack":           ConfirmAck,
		"wait_for_ack":  ConfirmAck,
		"TRANSACTIONAL": ConfirmTransactional,
	} {
		got, err := ParseConfirmationMode(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseConfirmationMode("eventually")
	require.ErrorIs(t, err, config.ErrInvalid)

	require.True(t, ConfirmTransactional.IsTransactional())
	require.True(t, ConfirmAck.WaitsForAck())
	require.False(t, ConfirmTransactional.WaitsForAck())
}

func TestResolveConfirmationMode_PrefixForcesTransactional(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	mode, err := ResolveConfirmationMode(ConfirmAck, "orders-tx", log)
	require.NoError(t, err)
	require.Equal(t, ConfirmTransactional, mode)
	require.True(t, strings.Contains(buf.String(), "level=WARN"), buf.String())
	require.Contains(t, buf.String(), "configured=ack")

	buf.Reset()
	mode, err = ResolveConfirmationMode(ConfirmTransactional, "orders-tx", log)
	require.NoError(t, err)
	require.Equal(t, ConfirmTransactional, mode)
	require.Empty(t, buf.String())

	_, err = ResolveConfirmationMode(ConfirmTransactional, "", log)
	require.ErrorIs(t, err, config.ErrInvalid)

	mode, err = ResolveConfirmationMode("", "", log)
	require.NoError(t, err)
	require.Equal(t, ConfirmNone, mode)
}

package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/telemetry"

	"go.opentelemetry.io/otel/propagation"
)

// TopicResolver picks the topic of an event. An empty result means the
// publisher's default topic.
type TopicResolver func(event.Envelope) string

type PublisherConfig struct {
	DefaultTopic  string
	TopicResolver TopicResolver
}

// Publisher converts events to records and hands them to a channel,
// honoring the channel's confirmation mode. It never retries.
type Publisher struct {
	cfg  PublisherConfig
	ch   Channel
	conv event.Converter
	prop propagation.TextMapPropagator
	log  *slog.Logger
}

func NewPublisher(cfg PublisherConfig, ch Channel, conv event.Converter) (*Publisher, error) {
	if cfg.DefaultTopic == "" {
		return nil, fmt.Errorf("%w: publisher needs a default topic", config.ErrInvalid)
	}
	if ch == nil || conv == nil {
		return nil, fmt.Errorf("%w: publisher needs a channel and a converter", config.ErrInvalid)
	}
	return &Publisher{
		cfg:  cfg,
		ch:   ch,
		conv: conv,
		prop: propagation.TraceContext{},
		log:  logging.L().With("mode", string(ch.Mode())),
	}, nil
}

func (p *Publisher) Mode() ConfirmationMode { return p.ch.Mode() }

// Publish sends events. With a unit of work, acknowledged and transactional
// sends complete when the unit commits; without one they complete before
// Publish returns. Unconfirmed sends never wait.
func (p *Publisher) Publish(ctx context.Context, uow UnitOfWork, events ...event.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	recs, err := p.records(ctx, events)
	if err != nil {
		return err
	}

	mode := p.ch.Mode()
	switch {
	case mode.IsTransactional():
		return p.publishTx(ctx, uow, recs)
	case mode.WaitsForAck() && uow != nil:
		uow.OnPrepareCommit(func(ctx context.Context) error {
			return p.send(ctx, recs)
		})
		return nil
	default:
		return p.send(ctx, recs)
	}
}

func (p *Publisher) publishTx(ctx context.Context, uow UnitOfWork, recs []event.Record) error {
	if uow != nil {
		return p.publishInUnit(ctx, uow, recs)
	}
	tx, err := p.ch.Begin(ctx)
	if err != nil {
		p.count(len(recs), err)
		return err
	}
	if err := p.sendTx(ctx, tx, recs); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	p.count(len(recs), err)
	return err
}

// sendTx sends recs in tx and rolls tx back on the first failure.
func (p *Publisher) sendTx(ctx context.Context, tx Tx, recs []event.Record) error {
	for _, r := range recs {
		if err := tx.Send(ctx, r); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, ErrTxDone) {
				p.log.Warn("publisher: rollback after failed send", "err", rbErr)
			}
			p.count(len(recs), err)
			return err
		}
	}
	return nil
}

// txKey binds one open transaction per channel to a unit of work.
type txKey struct{ ch Channel }

// unitTx is the transaction every publish of one unit of work joins.
type unitTx struct {
	tx Tx

	mu      sync.Mutex
	pending int
	err     error // first failed send; the transaction is rolled back
}

// publishInUnit joins the unit's transaction on this channel, beginning it
// on first use. Commit and rollback are attached to the unit once.
func (p *Publisher) publishInUnit(ctx context.Context, uow UnitOfWork, recs []event.Record) error {
	v, err := uow.Resource(txKey{p.ch}, func() (any, error) {
		tx, err := p.ch.Begin(ctx)
		if err != nil {
			return nil, err
		}
		ut := &unitTx{tx: tx}
		uow.OnPrepareCommit(ut.commit(p))
		uow.OnRollback(func(ctx context.Context, cause error) {
			if err := tx.Rollback(ctx); err != nil && !errors.Is(err, ErrTxDone) {
				p.log.Warn("publisher: rollback", "cause", cause, "err", err)
			}
		})
		return ut, nil
	})
	if err != nil {
		p.count(len(recs), err)
		return err
	}
	ut := v.(*unitTx)

	ut.mu.Lock()
	defer ut.mu.Unlock()
	if ut.err != nil {
		p.count(len(recs), ut.err)
		return ut.err
	}
	if err := p.sendTx(ctx, ut.tx, recs); err != nil {
		p.count(ut.pending, err)
		ut.err, ut.pending = err, 0
		return err
	}
	ut.pending += len(recs)
	return nil
}

func (ut *unitTx) commit(p *Publisher) func(context.Context) error {
	return func(ctx context.Context) error {
		ut.mu.Lock()
		defer ut.mu.Unlock()
		if ut.err != nil {
			return fmt.Errorf("publisher: transaction rolled back: %w", ut.err)
		}
		err := ut.tx.Commit(ctx)
		p.count(ut.pending, err)
		return err
	}
}

func (p *Publisher) send(ctx context.Context, recs []event.Record) error {
	err := p.ch.Send(ctx, recs)
	p.count(len(recs), err)
	return err
}

func (p *Publisher) records(ctx context.Context, events []event.Envelope) ([]event.Record, error) {
	carrier := propagation.MapCarrier{}
	p.prop.Inject(ctx, carrier)

	recs := make([]event.Record, 0, len(events))
	for _, e := range events {
		topic := p.cfg.DefaultTopic
		if p.cfg.TopicResolver != nil {
			if t := p.cfg.TopicResolver(e); t != "" {
				topic = t
			}
		}
		r, err := p.conv.ToRecord(topic, e)
		if err != nil {
			return nil, fmt.Errorf("publisher: convert %s: %w", e.ID, err)
		}
		for _, k := range carrier.Keys() {
			r.SetHeader(k, []byte(carrier.Get(k)))
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func (p *Publisher) count(n int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.PublishResults.WithLabelValues(string(p.ch.Mode()), result).Add(float64(n))
}

/* ───────────────────────── unit of work ───────────────────────────── */

// UnitOfWork is the caller's transaction boundary. Publishers attach the
// completion of confirmed sends to it.
type UnitOfWork interface {
	OnPrepareCommit(func(ctx context.Context) error)
	OnRollback(func(ctx context.Context, cause error))
	// Resource returns the value bound to key, binding the result of create
	// on first use. A failed create binds nothing.
	Resource(key any, create func() (any, error)) (any, error)
}

var ErrUnitOfWorkDone = errors.New("sink: unit of work already completed")

// LocalUnitOfWork is a UnitOfWork for callers that have none of their own.
type LocalUnitOfWork struct {
	mu       sync.Mutex
	prepare  []func(context.Context) error
	rollback []func(context.Context, error)
	done     bool

	resMu     sync.Mutex // held across create, which may register handlers
	resources map[any]any
}

func NewUnitOfWork() *LocalUnitOfWork { return &LocalUnitOfWork{} }

func (u *LocalUnitOfWork) OnPrepareCommit(f func(context.Context) error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prepare = append(u.prepare, f)
}

func (u *LocalUnitOfWork) OnRollback(f func(context.Context, error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollback = append(u.rollback, f)
}

func (u *LocalUnitOfWork) Resource(key any, create func() (any, error)) (any, error) {
	u.resMu.Lock()
	defer u.resMu.Unlock()
	if v, ok := u.resources[key]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	if u.resources == nil {
		u.resources = make(map[any]any)
	}
	u.resources[key] = v
	return v, nil
}

// Commit runs the prepare-commit handlers in registration order. The first
// failure stops the commit and rolls the unit back with that cause.
func (u *LocalUnitOfWork) Commit(ctx context.Context) error {
	prepare, rollback, err := u.finish()
	if err != nil {
		return err
	}
	for _, f := range prepare {
		if err := f(ctx); err != nil {
			for _, r := range rollback {
				r(ctx, err)
			}
			return err
		}
	}
	return nil
}

// Rollback runs the rollback handlers.
func (u *LocalUnitOfWork) Rollback(ctx context.Context, cause error) error {
	_, rollback, err := u.finish()
	if err != nil {
		return err
	}
	for _, r := range rollback {
		r(ctx, cause)
	}
	return nil
}

func (u *LocalUnitOfWork) finish() ([]func(context.Context) error, []func(context.Context, error), error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil, nil, ErrUnitOfWorkDone
	}
	u.done = true
	return u.prepare, u.rollback, nil
}

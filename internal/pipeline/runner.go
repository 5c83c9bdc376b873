package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/telemetry"
	"github.com/Aarnav2440/extension-kafka/source/kafka"
	"github.com/Aarnav2440/extension-kafka/tokenstore"

	"golang.org/x/sync/errgroup"
)

// Handler processes one event. A failed event is logged and counted; the
// checkpoint still moves past it.
type Handler func(ctx context.Context, e event.Envelope) error

type Mode string

const (
	ModeSubscribing     Mode = "subscribing"      // no claims, no stored progress
	ModeTracking        Mode = "tracking"         // one event at a time per claimed segment
	ModePooledStreaming Mode = "pooled_streaming" // concurrent lanes per claimed segment
)

type RunnerConfig struct {
	Name              string
	Mode              Mode
	Owner             string
	Segments          int
	MaxInFlight       int
	CommitInterval    time.Duration
	HeartbeatInterval time.Duration
	ClaimBackoff      time.Duration
}

func (c RunnerConfig) Validate() error {
	switch c.Mode {
	case ModeSubscribing, ModeTracking, ModePooledStreaming:
	default:
		return fmt.Errorf("%w: processor mode %q", config.ErrInvalid, c.Mode)
	}
	if c.Name == "" || c.Owner == "" {
		return fmt.Errorf("%w: processor needs a name and an owner", config.ErrInvalid)
	}
	if c.Segments < 1 || c.MaxInFlight < 1 {
		return fmt.Errorf("%w: processor needs at least one segment and one lane", config.ErrInvalid)
	}
	if c.CommitInterval <= 0 || c.HeartbeatInterval <= 0 || c.ClaimBackoff <= 0 {
		return fmt.Errorf("%w: processor intervals must be positive", config.ErrInvalid)
	}
	return nil
}

// Runner drives a handler from a source. In the tracking modes every
// segment is claimed through the token store, resumed from its stored
// token, checkpointed on CommitInterval and heartbeated while idle.
type Runner struct {
	cfg    RunnerConfig
	source *kafka.Source
	store  *tokenstore.Store
	log    *slog.Logger

	active atomic.Int32 // open streams
}

func NewRunner(cfg RunnerConfig, src *kafka.Source, store *tokenstore.Store) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: runner needs a source", config.ErrInvalid)
	}
	if cfg.Mode != ModeSubscribing && store == nil {
		return nil, fmt.Errorf("%w: %s processor needs a token store", config.ErrInvalid, cfg.Mode)
	}
	return &Runner{
		cfg:    cfg,
		source: src,
		store:  store,
		log:    logging.L().With("processor", cfg.Name, "mode", string(cfg.Mode), "owner", cfg.Owner),
	}, nil
}

// Active is the number of streams currently open.
func (r *Runner) Active() int { return int(r.active.Load()) }

// Run blocks until ctx ends or a subscribing stream fails.
func (r *Runner) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: runner needs a handler", config.ErrInvalid)
	}
	if r.cfg.Mode == ModeSubscribing {
		return r.subscribe(ctx, h)
	}

	if err := r.store.InitializeSegments(ctx, r.cfg.Name, r.cfg.Segments, event.TrackingToken{}); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < r.cfg.Segments; id++ {
		g.Go(func() error { return r.workSegment(gctx, id, h) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) subscribe(ctx context.Context, h Handler) error {
	st, err := r.source.OpenStream(ctx, event.TrackingToken{})
	if err != nil {
		return err
	}
	defer st.Close()
	r.active.Add(1)
	defer r.active.Add(-1)

	for {
		e, ok, err := st.Next(ctx, r.cfg.HeartbeatInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ok {
			r.handle(ctx, h, e)
		}
	}
}

// workSegment claims one segment and processes it until ctx ends. Lost
// claims and failed streams put the segment back up for claiming.
func (r *Runner) workSegment(ctx context.Context, id int, h Handler) error {
	key := event.SegmentKey(r.cfg.Name, id)
	log := r.log.With("segment", key)
	for {
		token, err := r.store.FetchToken(ctx, key, r.cfg.Owner)
		switch {
		case err == nil:
			log.Info("runner: claimed segment", "token", token.String())
			err = r.process(ctx, id, key, token, h)
			r.release(key, log)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, tokenstore.ErrUnableToClaim) {
				log.Warn("runner: lost claim", "err", err)
			} else {
				log.Error("runner: segment stopped", "err", err)
			}
		case errors.Is(err, tokenstore.ErrUnableToClaim):
			log.Debug("runner: segment claimed elsewhere", "err", err)
		case ctx.Err() != nil:
			return nil
		default:
			log.Warn("runner: claim failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.ClaimBackoff):
		}
	}
}

func (r *Runner) release(key string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatInterval)
	defer cancel()
	if err := r.store.ReleaseClaim(ctx, key, r.cfg.Owner); err != nil {
		log.Warn("runner: release claim", "err", err)
	}
}

// process streams one claimed segment. It returns when ctx ends, the claim
// is lost or the stream fails; progress reached so far is stored first.
func (r *Runner) process(ctx context.Context, id int, key string, token event.TrackingToken, h Handler) error {
	seg := event.Segment{ID: id, Count: r.cfg.Segments}
	st, err := r.source.ForSegment(seg).OpenStream(ctx, token)
	if err != nil {
		return err
	}
	defer st.Close()
	r.active.Add(1)
	defer r.active.Add(-1)

	lanes := 1
	if r.cfg.Mode == ModePooledStreaming {
		lanes = r.cfg.MaxInFlight
	}
	mgr := kafka.NewManager(token, int64(lanes), r.cfg.CommitInterval)
	pool := newLanePool(ctx, lanes, func(it laneItem) {
		r.handle(ctx, h, it.e)
		it.resolve()
	})

	sc := &segmentCommitter{store: r.store, key: key, owner: r.cfg.Owner, mgr: mgr, lastWrite: time.Now()}
	runErr := func() error {
		for {
			e, ok, err := st.Next(ctx, r.cfg.HeartbeatInterval/2)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if ok {
				resolve, err := mgr.Track(ctx, e.Position)
				if err != nil {
					return err
				}
				pool.dispatch(e, func() { resolve() })
			}
			if err := sc.tick(ctx, r.cfg.HeartbeatInterval); err != nil {
				return err
			}
		}
	}()

	pool.wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatInterval)
	defer cancel()
	if err := sc.flush(flushCtx); err != nil && !errors.Is(runErr, tokenstore.ErrUnableToClaim) {
		r.log.Warn("runner: final token store", "segment", key, "err", err)
	}
	return runErr
}

func (r *Runner) handle(ctx context.Context, h Handler, e event.Envelope) {
	if err := h(event.TraceContext(ctx, e), e); err != nil {
		telemetry.EventsHandled.WithLabelValues(r.cfg.Name, "error").Inc()
		r.log.Error("runner: handler failed", "event", e.ID, "position", e.Position.String(), "err", err)
		return
	}
	telemetry.EventsHandled.WithLabelValues(r.cfg.Name, "ok").Inc()
}

/* ───────────────────────── commits & heartbeats ──────────────────────── */

type segmentCommitter struct {
	store     *tokenstore.Store
	key       string
	owner     string
	mgr       *kafka.Manager
	lastWrite time.Time
}

// tick stores the checkpoint when due, otherwise extends the claim once a
// heartbeat interval passed without a write.
func (c *segmentCommitter) tick(ctx context.Context, heartbeat time.Duration) error {
	if token, due := c.mgr.Due(); due {
		if err := c.store.StoreToken(ctx, c.key, c.owner, token); err != nil {
			return err
		}
		c.mgr.Committed(token)
		c.lastWrite = time.Now()
		return nil
	}
	if time.Since(c.lastWrite) >= heartbeat {
		if err := c.store.ExtendClaim(ctx, c.key, c.owner); err != nil {
			return err
		}
		c.lastWrite = time.Now()
	}
	return nil
}

// flush stores the checkpoint regardless of cadence.
func (c *segmentCommitter) flush(ctx context.Context) error {
	token := c.mgr.Checkpoint()
	if err := c.store.StoreToken(ctx, c.key, c.owner, token); err != nil {
		return err
	}
	c.mgr.Committed(token)
	return nil
}

/* ───────────────────────── lanes ─────────────────────────────────────── */

type laneItem struct {
	e       event.Envelope
	resolve func()
}

// lanePool runs items on a fixed set of goroutines. Items of one aggregate
// always go to the same lane, so they are handled in delivery order.
type lanePool struct {
	lanes []chan laneItem
	wg    sync.WaitGroup
}

func newLanePool(ctx context.Context, n int, run func(laneItem)) *lanePool {
	p := &lanePool{lanes: make([]chan laneItem, n)}
	for i := range p.lanes {
		ch := make(chan laneItem, n)
		p.lanes[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for it := range ch {
				if ctx.Err() != nil {
					continue // drain without handling
				}
				run(it)
			}
		}()
	}
	return p
}

func (p *lanePool) dispatch(e event.Envelope, resolve func()) {
	p.lanes[laneOf(e.RoutingKey(), len(p.lanes))] <- laneItem{e: e, resolve: resolve}
}

// wait closes the lanes and waits for queued items.
func (p *lanePool) wait() {
	for _, ch := range p.lanes {
		close(ch)
	}
	p.wg.Wait()
}

func laneOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

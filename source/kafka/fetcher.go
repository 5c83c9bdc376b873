package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/telemetry"

	retry "github.com/avast/retry-go/v5"
)

// Fetcher is the loop that keeps one buffer fed: it polls the driver,
// decodes records and puts them, per partition in offset order.
type Fetcher struct {
	cfg    SourceConfig
	driver Driver
	conv   event.Converter
	buf    *Buffer
	from   event.TrackingToken
	log    *slog.Logger

	assigned map[event.Partition]struct{}
	// next is where each assigned partition resumes on reassignment.
	next map[event.Partition]StartOffset
}

func NewFetcher(cfg SourceConfig, driver Driver, conv event.Converter, buf *Buffer, from event.TrackingToken) *Fetcher {
	return &Fetcher{
		cfg:      cfg,
		driver:   driver,
		conv:     conv,
		buf:      buf,
		from:     from,
		log:      logging.L().With("segment", fmt.Sprintf("%d/%d", cfg.Segment.ID, cfg.Segment.Count)),
		assigned: make(map[event.Partition]struct{}),
		next:     make(map[event.Partition]StartOffset),
	}
}

// Run blocks until ctx ends, the buffer closes or fetching fails for good.
// Only the last case returns an error other than ctx.Err() or
// ErrBufferClosed, and it wraps ErrFetchFailed.
func (f *Fetcher) Run(ctx context.Context) error {
	if err := f.refresh(ctx, true); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: initial assignment: %w", ErrFetchFailed, err)
	}

	refresh := time.NewTicker(f.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			if err := f.refresh(ctx, false); err != nil && ctx.Err() == nil {
				f.log.Warn("fetcher: partition refresh failed; keeping current assignment", "err", err)
			}
		default:
		}

		recs, err := f.poll(ctx)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := f.deliver(ctx, r); err != nil {
				return err
			}
		}
	}
}

func (f *Fetcher) poll(ctx context.Context) ([]event.Record, error) {
	recs, err := retry.NewWithData[[]event.Record](
		f.retryOpts(ctx, "poll")...,
	).Do(func() ([]event.Record, error) {
		pollCtx, cancel := context.WithTimeout(ctx, f.cfg.PollTimeout)
		defer cancel()
		return f.driver.Poll(pollCtx, f.cfg.MaxPollRecords)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrBufferClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return recs, nil
}

func (f *Fetcher) retryOpts(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(f.cfg.Retry.Attempts),
		retry.Delay(f.cfg.Retry.Delay),
		retry.MaxDelay(f.cfg.Retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrBufferClosed)
		}),
		retry.OnRetry(func(n uint, err error) {
			telemetry.FetchRetries.Inc()
			f.log.Warn("fetcher: retrying", "op", op, "attempt", n+1, "err", err)
		}),
	}
}

// deliver decodes r and puts it into the buffer. Records the stream has
// already moved past are skipped and counted.
func (f *Fetcher) deliver(ctx context.Context, r event.Record) error {
	p := event.Partition{Topic: r.Topic, ID: r.Partition}
	if _, ok := f.assigned[p]; !ok {
		return nil
	}
	if off, ok := f.from.Offset(p); ok && r.Offset <= off {
		f.skip(r, "behind_token", nil)
		return nil
	}
	if next, ok := f.next[p]; ok && next >= 0 && r.Offset < int64(next) {
		f.skip(r, "stale", nil)
		return nil
	}
	f.next[p] = StartOffset(r.Offset + 1)

	env, err := f.conv.FromRecord(r)
	if err != nil {
		if f.cfg.DecodeFailure == DecodeFail {
			return fmt.Errorf("%w: decode %s: %w", ErrFetchFailed, r.Position(), err)
		}
		f.skip(r, "decode", err)
		return nil
	}
	if err := f.buf.Put(ctx, env); err != nil {
		if errors.Is(err, ErrStaleOffset) {
			f.skip(r, "stale", err)
			return nil
		}
		return err
	}
	telemetry.RecordsFetched.WithLabelValues(r.Topic).Inc()
	return nil
}

func (f *Fetcher) skip(r event.Record, reason string, err error) {
	telemetry.RecordsSkipped.WithLabelValues(r.Topic, reason).Inc()
	if err != nil {
		f.log.Warn("fetcher: skipping record", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "reason", reason, "err", err)
		return
	}
	f.log.Debug("fetcher: skipping record", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "reason", reason)
}

// refresh reads partition metadata and reassigns when the owned set
// changed. Partitions found after the first assignment start from the
// oldest offset: everything in them was written after the stream opened.
func (f *Fetcher) refresh(ctx context.Context, initial bool) error {
	parts, err := retry.NewWithData[[]event.Partition](
		f.retryOpts(ctx, "metadata")...,
	).Do(func() ([]event.Partition, error) {
		return f.driver.Partitions(ctx, f.cfg.Topics)
	})
	if err != nil {
		return err
	}

	owned := make(map[event.Partition]struct{}, len(parts))
	for _, p := range parts {
		if f.cfg.Segment.Owns(p.ID) {
			owned[p] = struct{}{}
		}
	}
	if !initial && sameSet(owned, f.assigned) {
		return nil
	}

	assignment := make(map[event.Partition]StartOffset, len(owned))
	for p := range owned {
		if next, ok := f.next[p]; ok {
			assignment[p] = next
			continue
		}
		switch {
		case f.from.Next(p) >= 0:
			assignment[p] = StartOffset(f.from.Next(p))
		case !initial:
			assignment[p] = StartOldest
		case f.cfg.StartFrom == StartFromNewest:
			assignment[p] = StartNewest
		default:
			assignment[p] = StartOldest
		}
	}

	var removed []event.Partition
	for p := range f.assigned {
		if _, ok := owned[p]; !ok {
			removed = append(removed, p)
			delete(f.next, p)
		}
	}
	if len(removed) > 0 {
		f.buf.Clear(removed...)
		f.log.Info("fetcher: partitions removed", "partitions", removed)
	}

	if err := f.driver.Assign(ctx, assignment); err != nil {
		return err
	}
	for p, start := range assignment {
		f.next[p] = start
	}
	f.assigned = owned
	f.log.Info("fetcher: assigned", "partitions", len(owned), "initial", initial)
	return nil
}

func sameSet(a, b map[event.Partition]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			return false
		}
	}
	return true
}

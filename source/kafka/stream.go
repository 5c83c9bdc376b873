package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

// Source opens ordered streams over the configured topics.
type Source struct {
	cfg     SourceConfig
	conv    event.Converter
	factory Factory
}

type SourceOption func(*Source)

// WithDriverFactory overrides the driver named in the config.
func WithDriverFactory(f Factory) SourceOption {
	return func(s *Source) { s.factory = f }
}

func NewSource(cfg SourceConfig, conv event.Converter, opts ...SourceOption) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, errors.New("kafka: source needs a converter")
	}
	s := &Source{cfg: cfg, conv: conv}
	for _, o := range opts {
		o(s)
	}
	if s.factory == nil {
		f, err := Lookup(cfg.Driver)
		if err != nil {
			return nil, err
		}
		s.factory = f
	}
	return s, nil
}

func (s *Source) Config() SourceConfig { return s.cfg }

// ForSegment returns a source reading only the partitions seg owns.
func (s *Source) ForSegment(seg event.Segment) *Source {
	cp := *s
	cp.cfg.Segment = seg
	return &cp
}

// OpenStream starts reading after token. The stream runs until Close, a
// fatal fetch error or the end of ctx.
func (s *Source) OpenStream(ctx context.Context, token event.TrackingToken) (*Stream, error) {
	driver, err := s.factory(s.cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("kafka: open driver %q: %w", s.cfg.Driver, err)
	}

	segment := fmt.Sprintf("%d/%d", s.cfg.Segment.ID, s.cfg.Segment.Count)
	log := logging.L().With("segment", segment)
	buf, err := NewBuffer(BufferConfig{
		Capacity: s.cfg.BufferSize,
		MaxSkew:  s.cfg.MaxSkew,
		OnStale: func(p event.Partition) {
			telemetry.StalePartitions.WithLabelValues(p.Topic).Inc()
			log.Warn("stream: partition exceeded max skew", "topic", p.Topic, "partition", p.ID, "max_skew", s.cfg.MaxSkew)
		},
	})
	if err != nil {
		_ = driver.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	st := &Stream{
		buf:     buf,
		cancel:  cancel,
		done:    make(chan struct{}),
		segment: segment,
	}

	fetcher := NewFetcher(s.cfg, driver, s.conv, buf, token)
	g.Go(func() error {
		defer buf.Close()
		err := fetcher.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrBufferClosed) {
			st.fail(err)
			log.Error("stream: fetcher stopped", "err", err)
			return err
		}
		return nil
	})
	go func() {
		_ = g.Wait()
		if err := driver.Close(); err != nil {
			log.Warn("stream: closing driver", "err", err)
		}
		cancel()
		close(st.done)
	}()

	log.Info("stream: opened", "token", token.String(), "buffer_cap", buf.Cap())
	return st, nil
}

// Stream hands out envelopes of its segment's partitions, each partition in
// offset order.
type Stream struct {
	buf     *Buffer
	cancel  context.CancelFunc
	done    chan struct{}
	segment string

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Next waits up to timeout for the next envelope. After Close it fails with
// ErrBufferClosed, after a fatal fetch error with that error.
func (s *Stream) Next(ctx context.Context, timeout time.Duration) (event.Envelope, bool, error) {
	e, ok, err := s.buf.Poll(ctx, timeout)
	if errors.Is(err, ErrBufferClosed) {
		if ferr := s.Err(); ferr != nil {
			return event.Envelope{}, false, ferr
		}
	}
	telemetry.BufferDepth.WithLabelValues(s.segment).Set(float64(s.buf.Len()))
	return e, ok, err
}

// Peek returns the envelope Next would return without consuming it.
func (s *Stream) Peek() (event.Envelope, bool) { return s.buf.Peek() }

// Close stops fetching and waits for the fetcher to exit. It is idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.buf.Close()
		<-s.done
		telemetry.BufferDepth.DeleteLabelValues(s.segment)
	})
	return nil
}

// Done is closed once the stream has fully stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err is the fatal error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

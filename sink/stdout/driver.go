// Package stdout is a debugging sink: it prints one line per record.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/sink"
)

/* ────────── driver ────────── */
type driver struct {
	mode    sink.ConfirmationMode
	counter bool

	mu     sync.Mutex // guards out+closed
	out    io.Writer
	closed bool
}

var seq uint64

func New(cfg sink.ChannelConfig) sink.Channel {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	mode := cfg.Mode
	if mode == "" {
		mode = sink.ConfirmNone
	}
	return &driver{mode: mode, counter: cfg.PrintCounter, out: out}
}

/* ────────── sink.Channel ────────── */
func (d *driver) Mode() sink.ConfirmationMode { return d.mode }

func (d *driver) Send(_ context.Context, recs []event.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sink.ErrClosed
	}
	for _, r := range recs {
		d.printLocked(r)
	}
	return nil
}

func (d *driver) Begin(context.Context) (sink.Tx, error) {
	if !d.mode.IsTransactional() {
		return nil, sink.ErrNotTransactional
	}
	return &tx{d: d}, nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

/* ────────── internals ────────── */

// must be called with d.mu *held*
func (d *driver) printLocked(r event.Record) {
	typ, _ := r.Header("axon-message-type")
	if len(typ) == 0 {
		typ, _ = r.Header("ce_type")
	}
	if d.counter {
		fmt.Fprintf(d.out, "[sink %06d] %s key=%s type=%s %s\n",
			atomic.AddUint64(&seq, 1), r.Topic, r.Key, typ, r.Value)
		return
	}
	fmt.Fprintf(d.out, "%s key=%s type=%s %s\n", r.Topic, r.Key, typ, r.Value)
}

// tx holds records back until commit.
type tx struct {
	d       *driver
	mu      sync.Mutex
	pending []event.Record
	done    bool
}

func (t *tx) Send(_ context.Context, r event.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sink.ErrTxDone
	}
	t.pending = append(t.pending, r)
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sink.ErrTxDone
	}
	t.done = true
	return t.d.Send(ctx, t.pending)
}

func (t *tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sink.ErrTxDone
	}
	t.done = true
	t.pending = nil
	return nil
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func(cfg sink.ChannelConfig) (sink.Channel, error) { return New(cfg), nil })
}

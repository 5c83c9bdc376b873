package kafka

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
)

// BufferConfig sizes an ordered buffer.
type BufferConfig struct {
	// Capacity is the total number of envelopes held across all partitions.
	Capacity int
	// MaxSkew is how long a drained partition may stay silent before it is
	// evicted from the buffer's bookkeeping and reported as stale. Zero
	// disables the sweep.
	MaxSkew time.Duration
	// OnStale is called, outside the buffer lock, for each evicted partition.
	OnStale func(event.Partition)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Buffer merges the per-partition sequences written by any number of fetch
// loops into one stream read by any number of pollers.
//
// Within a partition envelopes leave in strictly increasing offset order.
// Across partitions the buffer hands out the available head with the lowest
// timestamp; equal timestamps go to the partition served least recently,
// then to the lowest topic/partition. A partition with nothing queued never
// holds up the others.
type Buffer struct {
	slots   *Controller
	maxSkew time.Duration
	onStale func(event.Partition)
	now     func() time.Time

	mu        sync.Mutex
	available *sync.Cond
	closed    bool
	parts     map[event.Partition]*partitionQueue
	heads     headHeap
	tick      uint64
	lastSweep time.Time
}

type partitionQueue struct {
	partition    event.Partition
	items        []event.Envelope
	lastAccepted int64
	lastServed   uint64
	lastPut      time.Time
	index        int
}

func NewBuffer(cfg BufferConfig) (*Buffer, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("kafka: buffer capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Buffer{
		slots:   NewController(int64(cfg.Capacity)),
		maxSkew: cfg.MaxSkew,
		onStale: cfg.OnStale,
		now:     cfg.Now,
		parts:   make(map[event.Partition]*partitionQueue),
	}
	b.available = sync.NewCond(&b.mu)
	b.lastSweep = b.now()
	return b, nil
}

// Put adds e, blocking while the buffer is full. It fails with
// ErrBufferClosed after Close, with ctx.Err() when ctx ends first and with
// ErrStaleOffset when e does not advance its partition.
func (b *Buffer) Put(ctx context.Context, e event.Envelope) error {
	if err := b.slots.Acquire(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.slots.Release(1)
		return ErrBufferClosed
	}
	q, ok := b.parts[e.Position.Partition]
	if !ok {
		q = &partitionQueue{partition: e.Position.Partition, lastAccepted: -1, index: -1}
		b.parts[q.partition] = q
	}
	if e.Position.Offset <= q.lastAccepted {
		last := q.lastAccepted
		b.mu.Unlock()
		b.slots.Release(1)
		return fmt.Errorf("%w: %s <= %d", ErrStaleOffset, e.Position, last)
	}
	q.items = append(q.items, e)
	q.lastAccepted = e.Position.Offset
	q.lastPut = b.now()
	if len(q.items) == 1 {
		heap.Push(&b.heads, q)
	}
	b.mu.Unlock()
	b.available.Signal()
	return nil
}

// Poll removes the next envelope. It waits up to timeout (not at all when
// timeout <= 0) and reports false when nothing arrived in time. After Close
// it fails with ErrBufferClosed.
func (b *Buffer) Poll(ctx context.Context, timeout time.Duration) (event.Envelope, bool, error) {
	if err := ctx.Err(); err != nil {
		return event.Envelope{}, false, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		stop := context.AfterFunc(waitCtx, func() {
			b.mu.Lock()
			b.available.Broadcast()
			b.mu.Unlock()
		})
		defer stop()
	}

	b.mu.Lock()
	for timeout > 0 && b.heads.Len() == 0 && !b.closed && waitCtx.Err() == nil {
		b.available.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return event.Envelope{}, false, ErrBufferClosed
	}
	if b.heads.Len() == 0 {
		stale := b.sweepLocked()
		b.mu.Unlock()
		b.reportStale(stale)
		if err := ctx.Err(); err != nil {
			return event.Envelope{}, false, err
		}
		return event.Envelope{}, false, nil
	}

	q := b.heads[0]
	e := q.items[0]
	q.items[0] = event.Envelope{}
	q.items = q.items[1:]
	b.tick++
	q.lastServed = b.tick
	if len(q.items) == 0 {
		heap.Pop(&b.heads)
		q.items = nil
	} else {
		heap.Fix(&b.heads, q.index)
	}
	stale := b.sweepLocked()
	b.mu.Unlock()

	b.slots.Release(1)
	b.reportStale(stale)
	return e, true, nil
}

// Peek returns the envelope the next Poll would return, without removing it.
func (b *Buffer) Peek() (event.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.heads.Len() == 0 {
		return event.Envelope{}, false
	}
	return b.heads[0].items[0], true
}

// Clear drops everything queued for the given partitions (all partitions
// when none are given) and forgets their accepted offsets.
func (b *Buffer) Clear(partitions ...event.Partition) {
	b.mu.Lock()
	if len(partitions) == 0 {
		for p := range b.parts {
			partitions = append(partitions, p)
		}
	}
	var freed int
	for _, p := range partitions {
		q, ok := b.parts[p]
		if !ok {
			continue
		}
		if q.index >= 0 {
			heap.Remove(&b.heads, q.index)
		}
		freed += len(q.items)
		delete(b.parts, p)
	}
	b.mu.Unlock()
	b.slots.Release(int64(freed))
}

// LastAccepted returns the highest offset accepted for p.
func (b *Buffer) LastAccepted(p event.Partition) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.parts[p]
	if !ok || q.lastAccepted < 0 {
		return 0, false
	}
	return q.lastAccepted, true
}

// Len counts the slots taken, including envelopes a Put is still adding.
func (b *Buffer) Len() int { return int(b.slots.InUse()) }

func (b *Buffer) Cap() int { return int(b.slots.capacity) }

// Close is idempotent and wakes every blocked Put and Poll.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.available.Broadcast()
	b.slots.Close()
}

func (b *Buffer) sweepLocked() []event.Partition {
	if b.maxSkew <= 0 {
		return nil
	}
	now := b.now()
	if now.Sub(b.lastSweep) < b.maxSkew/2 {
		return nil
	}
	b.lastSweep = now
	var stale []event.Partition
	for p, q := range b.parts {
		if len(q.items) == 0 && now.Sub(q.lastPut) > b.maxSkew {
			delete(b.parts, p)
			stale = append(stale, p)
		}
	}
	return stale
}

func (b *Buffer) reportStale(stale []event.Partition) {
	if b.onStale == nil {
		return
	}
	for _, p := range stale {
		b.onStale(p)
	}
}

/* ───────────────────────── head heap ───────────────────────────── */

type headHeap []*partitionQueue

func (h headHeap) Len() int { return len(h) }

func (h headHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	ta, tb := a.items[0].Timestamp, b.items[0].Timestamp
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if a.lastServed != b.lastServed {
		return a.lastServed < b.lastServed
	}
	return a.partition.Less(b.partition)
}

func (h headHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *headHeap) Push(x any) {
	q := x.(*partitionQueue)
	q.index = len(*h)
	*h = append(*h, q)
}

func (h *headHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	*h = old[:n-1]
	return q
}

package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
)

/* ───────────────────────── Tracker & Capped ───────────────────────────── */

// pending is one delivered, not yet resolved envelope. token is the
// cumulative progress reached once this entry and everything before it is
// resolved.
type pending struct {
	token      event.TrackingToken
	prev, next *pending
}

// Tracker turns out-of-order completion into a contiguous checkpoint: the
// checkpoint only moves past an entry once every entry tracked before it has
// been resolved. Tracker is not safe for concurrent use; see Capped.
type Tracker struct {
	checkpoint event.TrackingToken
	last       event.TrackingToken
	start, end *pending
	inflight   int64
}

func NewTracker(from event.TrackingToken) *Tracker {
	return &Tracker{checkpoint: from, last: from}
}

// Track records pos as delivered and returns the function that resolves it.
// The resolver returns the checkpoint after resolution; calling it again is
// a no-op.
func (t *Tracker) Track(pos event.Position) func() event.TrackingToken {
	t.last = t.last.Advance(pos)
	n := &pending{token: t.last}
	if t.start == nil {
		t.start = n
	}
	if t.end != nil {
		n.prev = t.end
		t.end.next = n
	}
	t.end = n
	t.inflight++

	var done bool
	return func() event.TrackingToken {
		if done {
			return t.checkpoint
		}
		done = true
		t.inflight--
		if n.prev != nil {
			// an earlier entry is still open: it inherits our progress
			n.prev.token = n.token
			n.prev.next = n.next
		} else {
			t.checkpoint = n.token
			t.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			t.end = n.prev
		}
		return t.checkpoint
	}
}

// Pending is the number of tracked, unresolved entries.
func (t *Tracker) Pending() int64 { return t.inflight }

// Checkpoint is the token of the longest fully resolved prefix.
func (t *Tracker) Checkpoint() event.TrackingToken { return t.checkpoint }

// Capped is a goroutine-safe Tracker that bounds the number of unresolved
// entries.
type Capped struct {
	t    *Tracker
	cap  int64
	mu   sync.Mutex
	cond *sync.Cond
}

func NewCapped(from event.TrackingToken, cap int64) *Capped {
	c := &Capped{t: NewTracker(from), cap: cap}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Track blocks while cap entries are unresolved.
func (c *Capped) Track(ctx context.Context, pos event.Position) (func() event.TrackingToken, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.cap > 0 && c.t.Pending() >= c.cap {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := c.t.Track(pos)
	return func() event.TrackingToken {
		c.mu.Lock()
		r := res()
		c.mu.Unlock()
		c.cond.Broadcast()
		return r
	}, nil
}

func (c *Capped) Pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Pending()
}

func (c *Capped) Checkpoint() event.TrackingToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Checkpoint()
}

/* ───────────────────────── Manager (commit helper) ────────────────────── */

// Manager decides *when* the checkpoint should be stored.
type Manager struct {
	capped      *Capped
	commitEvery time.Duration
	now         func() time.Time

	mu         sync.Mutex
	lastCommit time.Time
	committed  event.TrackingToken
}

func NewManager(from event.TrackingToken, cap int64, commitEvery time.Duration) *Manager {
	return &Manager{
		capped:      NewCapped(from, cap),
		commitEvery: commitEvery,
		now:         time.Now,
		lastCommit:  time.Now(),
		committed:   from,
	}
}

// Track returns (resolveFn, err).
// Once the envelope has been handled the caller must call resolveFn, which
// reports the checkpoint and whether storing it is now due.
func (m *Manager) Track(ctx context.Context, pos event.Position) (resolveFn func() (event.TrackingToken, bool), err error) {
	res, err := m.capped.Track(ctx, pos)
	if err != nil {
		return nil, err
	}
	return func() (event.TrackingToken, bool) {
		cp := res()
		return cp, m.due(cp)
	}, nil
}

// Due reports the current checkpoint and whether it should be stored now.
func (m *Manager) Due() (event.TrackingToken, bool) {
	cp := m.capped.Checkpoint()
	return cp, m.due(cp)
}

// Committed records that token has been stored.
func (m *Manager) Committed(token event.TrackingToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = m.committed.UpperBound(token)
	m.lastCommit = m.now()
}

// Checkpoint is the contiguous checkpoint, whether or not it is stored yet.
func (m *Manager) Checkpoint() event.TrackingToken { return m.capped.Checkpoint() }

// Pending is the number of handed out, unresolved envelopes.
func (m *Manager) Pending() int64 { return m.capped.Pending() }

func (m *Manager) due(cp event.TrackingToken) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.committed.Equal(cp) {
		return false
	}
	return !m.lastCommit.Add(m.commitEvery).After(m.now())
}

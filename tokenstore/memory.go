package tokenstore

import (
	"context"
	"sync"
)

type memEntry struct {
	claim   Claim
	version uint64
	deleted bool
}

// Memory is an in-process Backend for tests and single-instance setups.
type Memory struct {
	mu      sync.Mutex
	rev     uint64
	entries map[string]memEntry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (m *Memory) Load(_ context.Context, segment string) (*Claim, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[segment]
	if !ok {
		return nil, 0, nil
	}
	if e.deleted {
		return nil, e.version, nil
	}
	c := e.claim
	return &c, e.version, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, segment string, version uint64, next *Claim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[segment].version != version {
		return false, nil
	}
	m.rev++
	if next == nil {
		// the tombstone keeps the version moving forward
		m.entries[segment] = memEntry{version: m.rev, deleted: true}
		return true, nil
	}
	c := *next
	c.Segment = segment
	m.entries[segment] = memEntry{claim: c, version: m.rev}
	return true, nil
}

func (m *Memory) List(context.Context) ([]Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Claim, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.deleted {
			out = append(out, e.claim)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

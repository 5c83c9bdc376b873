package kafkalog

import "github.com/Aarnav2440/extension-kafka/tokenstore"

type entry struct {
	claim      tokenstore.Claim
	generation uint64
	deleted    bool
}

// logState is the token table rebuilt by replaying the topic in order.
//
// Every record names the generation it expects to replace. A record is
// accepted when its key has not been seen or when it expects the current
// generation; an accepted record bumps the generation. All readers replay
// the same log, so all readers agree on which writer of a race won.
type logState struct {
	entries map[string]*entry
	applied int64

	// accepted holds the offsets accepted while at least one writer waits
	// for its verdict. A writer watches before it appends, so its record
	// lands above applied and is recorded here.
	accepted map[int64]struct{}
	watchers int
}

func newLogState() *logState {
	return &logState{
		entries:  make(map[string]*entry),
		applied:  -1,
		accepted: make(map[int64]struct{}),
	}
}

// apply replays the record at offset and reports whether it was accepted.
func (s *logState) apply(offset int64, rec tokenstore.Record) bool {
	if offset > s.applied {
		s.applied = offset
	}
	key := rec.Claim.Segment
	cur, seen := s.entries[key]
	if seen && rec.Expect != cur.generation {
		return false
	}
	gen := rec.Expect + 1
	if seen {
		gen = cur.generation + 1
	}
	s.entries[key] = &entry{
		claim:      rec.Claim,
		generation: gen,
		deleted:    rec.Deleted,
	}
	if s.watchers > 0 {
		s.accepted[offset] = struct{}{}
	}
	return true
}

// load returns the live claim of key and the generation a writer must
// expect to replace it.
func (s *logState) load(key string) (*tokenstore.Claim, uint64) {
	e, ok := s.entries[key]
	if !ok {
		return nil, 0
	}
	if e.deleted {
		return nil, e.generation
	}
	c := e.claim
	return &c, e.generation
}

func (s *logState) watch() { s.watchers++ }

func (s *logState) unwatch() {
	s.watchers--
	if s.watchers == 0 {
		clear(s.accepted)
	}
}

// acceptedAt reports whether the record at offset was accepted. Only
// meaningful for a record appended after watch.
func (s *logState) acceptedAt(offset int64) bool {
	_, ok := s.accepted[offset]
	return ok
}

func (s *logState) list() []tokenstore.Claim {
	out := make([]tokenstore.Claim, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.deleted {
			out = append(out, e.claim)
		}
	}
	return out
}

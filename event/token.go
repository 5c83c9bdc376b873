package event

import (
	"sort"
	"strconv"
	"strings"
)

// TrackingToken maps each partition to the last offset fully processed for
// it. Tokens are values: every mutating operation returns a copy, and no
// operation lowers the offset recorded for a partition.
//
// The zero value is an empty token meaning "no progress".
type TrackingToken struct {
	offsets map[Partition]int64
}

// NewToken builds a token from the given positions. When a partition
// appears more than once the highest offset wins.
func NewToken(positions ...Position) TrackingToken {
	t := TrackingToken{offsets: make(map[Partition]int64, len(positions))}
	for _, p := range positions {
		if cur, ok := t.offsets[p.Partition]; !ok || p.Offset > cur {
			t.offsets[p.Partition] = p.Offset
		}
	}
	return t
}

// Advance returns a token that records pos as processed. Positions behind
// the current offset for their partition leave the token unchanged.
func (t TrackingToken) Advance(pos Position) TrackingToken {
	if cur, ok := t.offsets[pos.Partition]; ok && cur >= pos.Offset {
		return t
	}
	next := t.clone(1)
	next.offsets[pos.Partition] = pos.Offset
	return next
}

// Offset returns the last processed offset for p.
func (t TrackingToken) Offset(p Partition) (int64, bool) {
	off, ok := t.offsets[p]
	return off, ok
}

// Next returns the offset to resume p from, or -1 when p has no progress.
func (t TrackingToken) Next(p Partition) int64 {
	if off, ok := t.offsets[p]; ok {
		return off + 1
	}
	return -1
}

// IsEmpty reports whether the token holds no progress at all.
func (t TrackingToken) IsEmpty() bool { return len(t.offsets) == 0 }

// Len is the number of partitions in the token.
func (t TrackingToken) Len() int { return len(t.offsets) }

// Partitions returns the token's partitions in ascending order.
func (t TrackingToken) Partitions() []Partition {
	out := make([]Partition, 0, len(t.offsets))
	for p := range t.offsets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Positions returns every entry of the token ordered by partition.
func (t TrackingToken) Positions() []Position {
	parts := t.Partitions()
	out := make([]Position, len(parts))
	for i, p := range parts {
		out[i] = Position{Partition: p, Offset: t.offsets[p]}
	}
	return out
}

// Covers reports whether t is at or beyond other on every partition other
// knows about.
func (t TrackingToken) Covers(other TrackingToken) bool {
	for p, off := range other.offsets {
		cur, ok := t.offsets[p]
		if !ok || cur < off {
			return false
		}
	}
	return true
}

// UpperBound returns the per-partition maximum of t and other.
func (t TrackingToken) UpperBound(other TrackingToken) TrackingToken {
	next := t.clone(len(other.offsets))
	for p, off := range other.offsets {
		if cur, ok := next.offsets[p]; !ok || off > cur {
			next.offsets[p] = off
		}
	}
	return next
}

// Filter keeps the partitions for which keep returns true.
func (t TrackingToken) Filter(keep func(Partition) bool) TrackingToken {
	next := TrackingToken{offsets: make(map[Partition]int64, len(t.offsets))}
	for p, off := range t.offsets {
		if keep(p) {
			next.offsets[p] = off
		}
	}
	return next
}

func (t TrackingToken) Equal(other TrackingToken) bool {
	if len(t.offsets) != len(other.offsets) {
		return false
	}
	for p, off := range t.offsets {
		if o, ok := other.offsets[p]; !ok || o != off {
			return false
		}
	}
	return true
}

func (t TrackingToken) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, pos := range t.Positions() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(pos.Partition.String())
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(pos.Offset, 10))
	}
	b.WriteByte('}')
	return b.String()
}

func (t TrackingToken) clone(extra int) TrackingToken {
	next := TrackingToken{offsets: make(map[Partition]int64, len(t.offsets)+extra)}
	for p, off := range t.offsets {
		next.offsets[p] = off
	}
	return next
}

package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is a unit of partition ownership: segment ID of Count owns every
// partition whose id is congruent to ID modulo Count.
type Segment struct {
	ID    int
	Count int
}

// WholeLog owns every partition.
var WholeLog = Segment{ID: 0, Count: 1}

func (s Segment) Validate() error {
	if s.Count < 0 || s.ID < 0 || (s.Count > 0 && s.ID >= s.Count) {
		return fmt.Errorf("event: invalid segment %d/%d", s.ID, s.Count)
	}
	return nil
}

func (s Segment) Owns(partition int32) bool {
	if s.Count <= 1 {
		return true
	}
	return int(partition)%s.Count == s.ID
}

// SegmentKey is the token-store identifier of segment id of a processor.
func SegmentKey(processor string, id int) string {
	return processor + "/" + strconv.Itoa(id)
}

// ParseSegmentKey splits a key built by SegmentKey.
func ParseSegmentKey(key string) (processor string, id int, err error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("event: malformed segment key %q", key)
	}
	id, err = strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("event: malformed segment key %q: %w", key, err)
	}
	return key[:i], id, nil
}

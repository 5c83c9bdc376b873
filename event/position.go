// Package event holds the data model shared by the read path, the write
// path and the token store: log positions, tracking tokens, segments,
// envelopes, broker-neutral records and the serializer/converter contracts.
package event

import (
	"fmt"
	"strconv"
)

// Partition identifies one partition of one topic.
type Partition struct {
	Topic string
	ID    int32
}

func (p Partition) String() string {
	return p.Topic + "-" + strconv.FormatInt(int64(p.ID), 10)
}

// Less orders partitions by topic, then id.
func (p Partition) Less(o Partition) bool {
	if p.Topic != o.Topic {
		return p.Topic < o.Topic
	}
	return p.ID < o.ID
}

// Position is an immutable place in the log. Offsets are totally ordered
// within a partition and unordered across partitions.
type Position struct {
	Partition
	Offset int64
}

func (p Position) String() string {
	return fmt.Sprintf("%s@%d", p.Partition, p.Offset)
}

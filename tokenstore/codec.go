package tokenstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record is the stored form of a claim. Generation and Expect are used by
// append-only backends to order competing writes; Deleted marks a
// decommissioned segment.
type Record struct {
	Claim      Claim
	Generation uint64
	Expect     uint64
	Deleted    bool
}

const (
	fieldSegment    protowire.Number = 1
	fieldOwner      protowire.Number = 2
	fieldClaimedAt  protowire.Number = 3
	fieldToken      protowire.Number = 4
	fieldGeneration protowire.Number = 5
	fieldExpect     protowire.Number = 6
	fieldDeleted    protowire.Number = 7

	fieldTopic     protowire.Number = 1
	fieldPartition protowire.Number = 2
	fieldOffset    protowire.Number = 3
)

var ErrCorruptRecord = errors.New("tokenstore: corrupt record")

// Encode writes r in protobuf wire format.
func (r Record) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSegment, protowire.BytesType)
	b = protowire.AppendString(b, r.Claim.Segment)
	if r.Claim.Owner != "" {
		b = protowire.AppendTag(b, fieldOwner, protowire.BytesType)
		b = protowire.AppendString(b, r.Claim.Owner)
	}
	if !r.Claim.ClaimedAt.IsZero() {
		b = protowire.AppendTag(b, fieldClaimedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Claim.ClaimedAt.UnixMilli()))
	}
	for _, pos := range r.Claim.Token.Positions() {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldTopic, protowire.BytesType)
		entry = protowire.AppendString(entry, pos.Topic)
		entry = protowire.AppendTag(entry, fieldPartition, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(uint32(pos.ID)))
		entry = protowire.AppendTag(entry, fieldOffset, protowire.VarintType)
		entry = protowire.AppendVarint(entry, protowire.EncodeZigZag(pos.Offset))

		b = protowire.AppendTag(b, fieldToken, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if r.Generation != 0 {
		b = protowire.AppendTag(b, fieldGeneration, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Generation)
	}
	if r.Expect != 0 {
		b = protowire.AppendTag(b, fieldExpect, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Expect)
	}
	if r.Deleted {
		b = protowire.AppendTag(b, fieldDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// DecodeRecord parses a record written by Encode. Unknown fields are
// skipped.
func DecodeRecord(b []byte) (Record, error) {
	var (
		r         Record
		positions []event.Position
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSegment && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, corrupt(protowire.ParseError(n))
			}
			r.Claim.Segment, b = v, b[n:]
		case num == fieldOwner && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, corrupt(protowire.ParseError(n))
			}
			r.Claim.Owner, b = v, b[n:]
		case num == fieldToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, corrupt(protowire.ParseError(n))
			}
			pos, err := decodePosition(v)
			if err != nil {
				return Record{}, err
			}
			positions, b = append(positions, pos), b[n:]
		case typ == protowire.VarintType && (num == fieldClaimedAt || num == fieldGeneration || num == fieldExpect || num == fieldDeleted):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldClaimedAt:
				r.Claim.ClaimedAt = time.UnixMilli(protowire.DecodeZigZag(v))
			case fieldGeneration:
				r.Generation = v
			case fieldExpect:
				r.Expect = v
			case fieldDeleted:
				r.Deleted = protowire.DecodeBool(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if r.Claim.Segment == "" {
		return Record{}, fmt.Errorf("%w: missing segment", ErrCorruptRecord)
	}
	r.Claim.Token = event.NewToken(positions...)
	return r, nil
}

func decodePosition(b []byte) (event.Position, error) {
	var pos event.Position
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return pos, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldTopic && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return pos, corrupt(protowire.ParseError(n))
			}
			pos.Topic, b = v, b[n:]
		case (num == fieldPartition || num == fieldOffset) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return pos, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldPartition {
				pos.ID = int32(uint32(v))
			} else {
				pos.Offset = protowire.DecodeZigZag(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return pos, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return pos, nil
}

func corrupt(err error) error { return fmt.Errorf("%w: %w", ErrCorruptRecord, err) }

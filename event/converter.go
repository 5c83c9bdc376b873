package event

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// Converter maps between envelopes and broker records.
type Converter interface {
	ToRecord(topic string, e Envelope) (Record, error)
	// FromRecord fails with ErrUnreadable for records that do not carry the
	// headers the converter needs, and ErrSerialization for bad payloads.
	FromRecord(r Record) (Envelope, error)
}

type ConverterMode string

const (
	ConverterDefault    ConverterMode = "default"
	ConverterCloudEvent ConverterMode = "cloud_event"
)

// NewConverter returns the converter for mode. Unknown modes are rejected.
func NewConverter(mode ConverterMode, s Serializer, source string) (Converter, error) {
	if s == nil {
		return nil, fmt.Errorf("event: converter needs a serializer")
	}
	switch mode {
	case ConverterDefault:
		return &HeaderConverter{serializer: s}, nil
	case ConverterCloudEvent:
		if source == "" {
			source = "extension-kafka"
		}
		return &CloudEventConverter{serializer: s, source: source}, nil
	default:
		return nil, fmt.Errorf("event: unknown converter mode %q", mode)
	}
}

var traceHeaders = []string{"traceparent", "tracestate"}

// TraceContext returns ctx carrying the trace context propagated with e.
func TraceContext(ctx context.Context, e Envelope) context.Context {
	if len(e.Metadata) == 0 {
		return ctx
	}
	return propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier(e.Metadata))
}

func copyTraceHeaders(r Record, md map[string]string) {
	for _, h := range traceHeaders {
		if v, ok := r.Header(h); ok {
			md[h] = string(v)
		}
	}
}

/* ───────────────────────── default (message headers) ───────────────────── */

const (
	hdrID            = "axon-message-id"
	hdrType          = "axon-message-type"
	hdrRevision      = "axon-message-revision"
	hdrTimestamp     = "axon-message-timestamp"
	hdrAggregateID   = "axon-message-aggregate-id"
	hdrAggregateType = "axon-message-aggregate-type"
	hdrAggregateSeq  = "axon-message-aggregate-seq"
	hdrMetaPrefix    = "axon-metadata-"
)

// HeaderConverter stores event metadata in message headers and the
// serialized payload in the record value.
type HeaderConverter struct {
	serializer Serializer
}

func (c *HeaderConverter) ToRecord(topic string, e Envelope) (Record, error) {
	obj, err := c.serializer.Serialize(e.Payload)
	if err != nil {
		return Record{}, err
	}
	r := Record{
		Topic:     topic,
		Partition: -1,
		Offset:    -1,
		Key:       []byte(e.RoutingKey()),
		Value:     obj.Data,
		Timestamp: e.Timestamp,
	}
	r.SetHeader(hdrID, []byte(e.ID))
	r.SetHeader(hdrType, []byte(obj.Type))
	if obj.Revision != "" {
		r.SetHeader(hdrRevision, []byte(obj.Revision))
	}
	r.SetHeader(hdrTimestamp, []byte(strconv.FormatInt(e.Timestamp.UnixMilli(), 10)))
	if e.AggregateID != "" {
		r.SetHeader(hdrAggregateID, []byte(e.AggregateID))
		r.SetHeader(hdrAggregateType, []byte(e.AggregateType))
		r.SetHeader(hdrAggregateSeq, []byte(strconv.FormatInt(e.Sequence, 10)))
	}
	for k, v := range e.Metadata {
		r.SetHeader(hdrMetaPrefix+k, []byte(v))
	}
	return r, nil
}

func (c *HeaderConverter) FromRecord(r Record) (Envelope, error) {
	id, okID := r.Header(hdrID)
	typ, okType := r.Header(hdrType)
	if !okID || !okType {
		return Envelope{}, fmt.Errorf("%w: %s missing %s/%s", ErrUnreadable, r.Position(), hdrID, hdrType)
	}
	rev, _ := r.Header(hdrRevision)
	payload, err := c.serializer.Deserialize(SerializedObject{Type: string(typ), Revision: string(rev), Data: r.Value})
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", r.Position(), err)
	}
	e := Envelope{
		ID:        string(id),
		Type:      string(typ),
		Revision:  string(rev),
		Timestamp: r.Timestamp,
		Payload:   payload,
		Metadata:  map[string]string{},
		Position:  r.Position(),
	}
	if raw, ok := r.Header(hdrTimestamp); ok {
		if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			e.Timestamp = time.UnixMilli(ms).UTC()
		}
	}
	if agg, ok := r.Header(hdrAggregateID); ok {
		e.AggregateID = string(agg)
		aggType, _ := r.Header(hdrAggregateType)
		e.AggregateType = string(aggType)
		if raw, ok := r.Header(hdrAggregateSeq); ok {
			e.Sequence, _ = strconv.ParseInt(string(raw), 10, 64)
		}
	}
	for _, h := range r.Headers {
		if k, ok := strings.CutPrefix(h.Key, hdrMetaPrefix); ok {
			e.Metadata[k] = string(h.Value)
		}
	}
	copyTraceHeaders(r, e.Metadata)
	return e, nil
}

/* ───────────────────────── cloud events (binary mode) ───────────────────── */

const (
	ceSpecVersion   = "ce_specversion"
	ceID            = "ce_id"
	ceSource        = "ce_source"
	ceType          = "ce_type"
	ceTime          = "ce_time"
	ceSubject       = "ce_subject"
	ceDataSchema    = "ce_dataschema"
	ceAggregateType = "ce_aggregatetype"
	ceAggregateSeq  = "ce_aggregatesequence"
	ceMetaPrefix    = "ce_md_"
	contentType     = "content-type"
)

// CloudEventConverter writes records in CloudEvents binary content mode.
type CloudEventConverter struct {
	serializer Serializer
	source     string
}

func (c *CloudEventConverter) ToRecord(topic string, e Envelope) (Record, error) {
	obj, err := c.serializer.Serialize(e.Payload)
	if err != nil {
		return Record{}, err
	}
	r := Record{
		Topic:     topic,
		Partition: -1,
		Offset:    -1,
		Key:       []byte(e.RoutingKey()),
		Value:     obj.Data,
		Timestamp: e.Timestamp,
	}
	r.SetHeader(ceSpecVersion, []byte("1.0"))
	r.SetHeader(ceID, []byte(e.ID))
	r.SetHeader(ceSource, []byte(c.source))
	r.SetHeader(ceType, []byte(obj.Type))
	r.SetHeader(ceTime, []byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	if obj.Type == RawType {
		r.SetHeader(contentType, []byte("application/octet-stream"))
	} else {
		r.SetHeader(contentType, []byte("application/json"))
	}
	if obj.Revision != "" {
		r.SetHeader(ceDataSchema, []byte(obj.Revision))
	}
	if e.AggregateID != "" {
		r.SetHeader(ceSubject, []byte(e.AggregateID))
		r.SetHeader(ceAggregateType, []byte(e.AggregateType))
		r.SetHeader(ceAggregateSeq, []byte(strconv.FormatInt(e.Sequence, 10)))
	}
	for k, v := range e.Metadata {
		r.SetHeader(ceMetaPrefix+k, []byte(v))
	}
	return r, nil
}

func (c *CloudEventConverter) FromRecord(r Record) (Envelope, error) {
	id, okID := r.Header(ceID)
	typ, okType := r.Header(ceType)
	if _, ok := r.Header(ceSpecVersion); !ok || !okID || !okType {
		return Envelope{}, fmt.Errorf("%w: %s is not a cloud event", ErrUnreadable, r.Position())
	}
	rev, _ := r.Header(ceDataSchema)
	payload, err := c.serializer.Deserialize(SerializedObject{Type: string(typ), Revision: string(rev), Data: r.Value})
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", r.Position(), err)
	}
	e := Envelope{
		ID:        string(id),
		Type:      string(typ),
		Revision:  string(rev),
		Timestamp: r.Timestamp,
		Payload:   payload,
		Metadata:  map[string]string{},
		Position:  r.Position(),
	}
	if raw, ok := r.Header(ceTime); ok {
		if ts, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			e.Timestamp = ts
		}
	}
	if subj, ok := r.Header(ceSubject); ok {
		e.AggregateID = string(subj)
		aggType, _ := r.Header(ceAggregateType)
		e.AggregateType = string(aggType)
		if raw, ok := r.Header(ceAggregateSeq); ok {
			e.Sequence, _ = strconv.ParseInt(string(raw), 10, 64)
		}
	}
	for _, h := range r.Headers {
		if k, ok := strings.CutPrefix(h.Key, ceMetaPrefix); ok {
			e.Metadata[k] = string(h.Value)
		}
	}
	copyTraceHeaders(r, e.Metadata)
	return e, nil
}

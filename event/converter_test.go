package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func newSerializer() *JSONSerializer {
	s := NewJSONSerializer()
	s.Register("OrderPlaced", orderPlaced{}, "2")
	return s
}

func TestConverters_RoundTrip(t *testing.T) {
	for _, mode := range []ConverterMode{ConverterDefault, ConverterCloudEvent} {
		t.Run(string(mode), func(t *testing.T) {
			conv, err := NewConverter(mode, newSerializer(), "")
			require.NoError(t, err)

			ts := time.UnixMilli(1_700_000_000_123).UTC()
			in := NewEnvelope(orderPlaced{OrderID: "o-1", Amount: 3},
				WithAggregate("Order", "o-1", 7),
				WithTimestamp(ts),
				WithMetadata(map[string]string{"tenant": "acme"}),
			)

			rec, err := conv.ToRecord("orders", in)
			require.NoError(t, err)
			require.Equal(t, "o-1", string(rec.Key))
			rec.Partition, rec.Offset = 2, 41

			out, err := conv.FromRecord(rec)
			require.NoError(t, err)
			require.Equal(t, in.ID, out.ID)
			require.Equal(t, "OrderPlaced", out.Type)
			require.Equal(t, "2", out.Revision)
			require.Equal(t, in.Payload, out.Payload)
			require.Equal(t, "o-1", out.AggregateID)
			require.EqualValues(t, 7, out.Sequence)
			require.True(t, ts.Equal(out.Timestamp))
			require.Equal(t, "acme", out.Metadata["tenant"])
			require.Equal(t, Position{Partition{"orders", 2}, 41}, out.Position)
		})
	}
}

func TestConverter_Unreadable(t *testing.T) {
	conv, err := NewConverter(ConverterDefault, newSerializer(), "")
	require.NoError(t, err)

	_, err = conv.FromRecord(Record{Topic: "orders", Value: []byte("{}")})
	require.True(t, errors.Is(err, ErrUnreadable))

	rec := Record{Topic: "orders", Value: []byte("{}")}
	rec.SetHeader(hdrID, []byte("x"))
	rec.SetHeader(hdrType, []byte("Unknown"))
	_, err = conv.FromRecord(rec)
	require.True(t, errors.Is(err, ErrSerialization))
}

func TestConverter_UnknownMode(t *testing.T) {
	_, err := NewConverter("xml", newSerializer(), "")
	require.Error(t, err)
}

func TestSerializer_RawAndUnregistered(t *testing.T) {
	s := newSerializer()
	obj, err := s.Serialize([]byte("raw"))
	require.NoError(t, err)
	require.Equal(t, RawType, obj.Type)

	_, err = s.Serialize(struct{ X int }{1})
	require.ErrorIs(t, err, ErrSerialization)

	v, err := s.Deserialize(obj)
	require.NoError(t, err)
	require.Equal(t, []byte("raw"), v)
}

func TestTraceContext_Extracted(t *testing.T) {
	conv, err := NewConverter(ConverterDefault, newSerializer(), "")
	require.NoError(t, err)

	rec, err := conv.ToRecord("orders", NewEnvelope([]byte("x")))
	require.NoError(t, err)
	rec.SetHeader("traceparent", []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"))

	env, err := conv.FromRecord(rec)
	require.NoError(t, err)

	sc := trace.SpanContextFromContext(TraceContext(context.Background(), env))
	require.True(t, sc.IsValid())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
}

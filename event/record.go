package event

import "time"

type Header struct {
	Key   string
	Value []byte
}

// Record is the broker-native record shape every driver maps to and from.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

func (r Record) Position() Position {
	return Position{Partition: Partition{Topic: r.Topic, ID: r.Partition}, Offset: r.Offset}
}

// Header returns the last value stored under key.
func (r Record) Header(key string) ([]byte, bool) {
	for i := len(r.Headers) - 1; i >= 0; i-- {
		if r.Headers[i].Key == key {
			return r.Headers[i].Value, true
		}
	}
	return nil, false
}

// SetHeader replaces or appends key.
func (r *Record) SetHeader(key string, value []byte) {
	for i := range r.Headers {
		if r.Headers[i].Key == key {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, Header{Key: key, Value: value})
}

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrSerialization is returned when a payload cannot be encoded or decoded.
	ErrSerialization = errors.New("event: serialization failed")

	// ErrUnreadable marks a record the converter cannot turn into an envelope.
	ErrUnreadable = errors.New("event: unreadable record")
)

// RawType is the type name used for payloads that are plain byte slices.
const RawType = "bytes"

// SerializedObject is a payload in wire form together with its type name.
type SerializedObject struct {
	Type     string
	Revision string
	Data     []byte
}

type Serializer interface {
	Serialize(payload any) (SerializedObject, error)
	Deserialize(obj SerializedObject) (any, error)
}

// JSONSerializer encodes registered payload types as JSON. Byte slices pass
// through untouched under RawType.
type JSONSerializer struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
	revs   map[string]string
}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
		revs:   make(map[string]string),
	}
}

// Register binds name (and an optional revision) to the dynamic type of
// sample. Pointer samples register their element type.
func (s *JSONSerializer) Register(name string, sample any, revision ...string) {
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[name] = t
	s.byType[t] = name
	if len(revision) > 0 {
		s.revs[name] = revision[0]
	}
}

func (s *JSONSerializer) Serialize(payload any) (SerializedObject, error) {
	if raw, ok := payload.([]byte); ok {
		return SerializedObject{Type: RawType, Data: raw}, nil
	}
	t := reflect.TypeOf(payload)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	s.mu.RLock()
	name, ok := s.byType[t]
	rev := s.revs[name]
	s.mu.RUnlock()
	if !ok {
		return SerializedObject{}, fmt.Errorf("%w: type %v not registered", ErrSerialization, t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return SerializedObject{}, fmt.Errorf("%w: %s: %v", ErrSerialization, name, err)
	}
	return SerializedObject{Type: name, Revision: rev, Data: data}, nil
}

func (s *JSONSerializer) Deserialize(obj SerializedObject) (any, error) {
	if obj.Type == RawType {
		return obj.Data, nil
	}
	s.mu.RLock()
	t, ok := s.byName[obj.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrSerialization, obj.Type)
	}
	v := reflect.New(t)
	if err := json.Unmarshal(obj.Data, v.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, obj.Type, err)
	}
	return v.Elem().Interface(), nil
}

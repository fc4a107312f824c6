package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// JSONSerializer encodes messages with encoding/json. Types cross the wire
// by name, so every message type must be registered on both nodes, the same
// way gob requires registration.
type JSONSerializer struct {
	lk     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

var _ Serializer = (*JSONSerializer)(nil)

// NewJSONSerializer returns a serializer knowing the builtin scalar types.
func NewJSONSerializer() *JSONSerializer {
	s := &JSONSerializer{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	for _, t := range []reflect.Type{
		reflect.TypeFor[string](),
		reflect.TypeFor[bool](),
		reflect.TypeFor[int](),
		reflect.TypeFor[int32](),
		reflect.TypeFor[int64](),
		reflect.TypeFor[uint64](),
		reflect.TypeFor[float64](),
		reflect.TypeFor[[]byte](),
		reflect.TypeFor[map[string]any](),
	} {
		s.Register(t.String(), t)
	}
	return s
}

// Register binds name to t. Registering the same pair twice is a no-op.
func (s *JSONSerializer) Register(name string, t reflect.Type) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if existing, ok := s.byName[name]; ok && existing != t {
		panic(fmt.Sprintf("codec: name %q already bound to %s", name, existing))
	}
	s.byName[name] = t
	s.byType[t] = name
}

// RegisterType registers T under its Go type string.
func RegisterType[T any](s *JSONSerializer) {
	t := reflect.TypeFor[T]()
	s.Register(t.String(), t)
}

func (s *JSONSerializer) Serialize(msg any) (string, error) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (s *JSONSerializer) Deserialize(text string, t reflect.Type) (any, error) {
	if t == nil {
		return nil, ErrUnknownType
	}
	allocated := reflect.New(t)
	if err := json.Unmarshal([]byte(text), allocated.Interface()); err != nil {
		return nil, err
	}
	return allocated.Elem().Interface(), nil
}

func (s *JSONSerializer) SerializeType(t reflect.Type) (string, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	name, ok := s.byType[t]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return name, nil
}

func (s *JSONSerializer) DeserializeType(name string) (reflect.Type, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	t, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

var protoMessageType = reflect.TypeFor[proto.Message]()

// ProtoSerializer encodes proto.Message values as protojson text. Types are
// named by their full protobuf name and resolved through a protoregistry,
// so no explicit registration is needed for generated messages.
type ProtoSerializer struct {
	types     *protoregistry.Types
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

var _ Serializer = (*ProtoSerializer)(nil)

// NewProtoSerializer resolves types through types, or the global registry
// when nil.
func NewProtoSerializer(types *protoregistry.Types) *ProtoSerializer {
	if types == nil {
		types = protoregistry.GlobalTypes
	}
	return &ProtoSerializer{
		types:     types,
		unmarshal: protojson.UnmarshalOptions{Resolver: types},
		marshal:   protojson.MarshalOptions{Resolver: types},
	}
}

func (s *ProtoSerializer) Serialize(msg any) (string, error) {
	m, ok := msg.(proto.Message)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrNotProtoMessage, msg)
	}
	buf, err := s.marshal.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (s *ProtoSerializer) Deserialize(text string, t reflect.Type) (any, error) {
	m, err := allocate(t)
	if err != nil {
		return nil, err
	}
	if err := s.unmarshal.Unmarshal([]byte(text), m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ProtoSerializer) SerializeType(t reflect.Type) (string, error) {
	m, err := allocate(t)
	if err != nil {
		return "", err
	}
	return string(m.ProtoReflect().Descriptor().FullName()), nil
}

func (s *ProtoSerializer) DeserializeType(name string) (reflect.Type, error) {
	mt, err := s.types.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownType, name, err)
	}
	return reflect.TypeOf(mt.New().Interface()), nil
}

func allocate(t reflect.Type) (proto.Message, error) {
	if t == nil || t.Kind() != reflect.Pointer || !t.Implements(protoMessageType) {
		return nil, fmt.Errorf("%w: %v", ErrNotProtoMessage, t)
	}
	return reflect.New(t.Elem()).Interface().(proto.Message), nil
}

package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidEnvelope = errors.New("wire: invalid envelope")

type Kind uint8

const (
	KindMessage Kind = iota
	// KindContinuation unblocks a pending synchronous send on the origin
	// node. It has no payload.
	KindContinuation
)

const (
	fieldKind protowire.Number = iota + 1
	fieldMessageType
	fieldPayload
	fieldDestinationID
	fieldDestinationType
	fieldSynchronous
	fieldReturnID
	fieldReturnEndpoint
	fieldReturnNode
)

// Envelope is the unit exchanged between nodes. It must not be mutated once
// built.
type Envelope struct {
	Kind        Kind
	MessageType string
	// Payload is the serialized message, as UTF-16LE text.
	Payload []byte

	// Exactly one of DestinationID and DestinationType is set.
	DestinationID   string
	DestinationType string
	Synchronous     bool

	// Return address used for replies and continuations.
	ReturnID       string
	ReturnEndpoint string
	ReturnNode     string
}

func (env *Envelope) Validate() error {
	switch env.Kind {
	case KindMessage:
		if (env.DestinationID == "") == (env.DestinationType == "") {
			return fmt.Errorf("%w: exactly one of destination id and type is required", ErrInvalidEnvelope)
		}
		if env.MessageType == "" {
			return fmt.Errorf("%w: missing message type", ErrInvalidEnvelope)
		}
		if env.Synchronous && (env.ReturnID == "" || env.ReturnEndpoint == "") {
			return fmt.Errorf("%w: synchronous envelope without return address", ErrInvalidEnvelope)
		}
	case KindContinuation:
		if env.DestinationID == "" {
			return fmt.Errorf("%w: continuation without destination", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidEnvelope, env.Kind)
	}
	return nil
}

// Marshal encodes the envelope using the protobuf wire format.
func (env *Envelope) Marshal() []byte {
	buf := make([]byte, 0, 64+len(env.Payload))
	if env.Kind != KindMessage {
		buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(env.Kind))
	}
	buf = appendString(buf, fieldMessageType, env.MessageType)
	if len(env.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, env.Payload)
	}
	buf = appendString(buf, fieldDestinationID, env.DestinationID)
	buf = appendString(buf, fieldDestinationType, env.DestinationType)
	if env.Synchronous {
		buf = protowire.AppendTag(buf, fieldSynchronous, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	buf = appendString(buf, fieldReturnID, env.ReturnID)
	buf = appendString(buf, fieldReturnEndpoint, env.ReturnEndpoint)
	buf = appendString(buf, fieldReturnNode, env.ReturnNode)
	return buf
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

// UnmarshalEnvelope decodes and validates an envelope. Unknown fields are
// skipped.
func UnmarshalEnvelope(buf []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldSynchronous):
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, protowire.ParseError(n))
			}
			buf = buf[n:]
			if num == fieldKind {
				env.Kind = Kind(v)
			} else {
				env.Synchronous = protowire.DecodeBool(v)
			}
		case typ == protowire.BytesType && num >= fieldMessageType && num <= fieldReturnNode:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, protowire.ParseError(n))
			}
			buf = buf[n:]
			env.set(num, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func (env *Envelope) set(num protowire.Number, v []byte) {
	switch num {
	case fieldMessageType:
		env.MessageType = string(v)
	case fieldPayload:
		env.Payload = append([]byte(nil), v...)
	case fieldDestinationID:
		env.DestinationID = string(v)
	case fieldDestinationType:
		env.DestinationType = string(v)
	case fieldReturnID:
		env.ReturnID = string(v)
	case fieldReturnEndpoint:
		env.ReturnEndpoint = string(v)
	case fieldReturnNode:
		env.ReturnNode = string(v)
	}
}

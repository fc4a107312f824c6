package courier

import (
	"fmt"
	"reflect"
)

// Envelope is the in-memory unit of dispatch. It is produced by every
// `Channel.Send` and consumed once by the target's `Resource.Post`.
type Envelope struct {
	Message any
	Type    reflect.Type

	// Source is where replies must be sent, it may be nil.
	Source      Channel
	Synchronous bool
}

// continuation unblocks a `RemoteChannel` waiting in `SendSync`.
type continuation struct{}

// NewEnvelope wraps msg with its static type. When T is an interface, the
// dynamic type is used instead.
func NewEnvelope[T any](msg T) *Envelope {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Interface {
		t = reflect.TypeOf(msg)
	}
	return &Envelope{Message: msg, Type: t}
}

// Send wraps msg and sends it on ch.
func Send[T any](ch Channel, msg T) error {
	return ch.Send(NewEnvelope(msg))
}

// SendWithReply sends msg on ch, asking replies to be sent on replyTo.
func SendWithReply[T any](ch Channel, msg T, replyTo Channel) error {
	env := NewEnvelope(msg)
	env.Source = replyTo
	return ch.Send(env)
}

// Reply answers env on its source channel.
func Reply[T any](env *Envelope, msg T) error {
	if env.Source == nil {
		return ErrNoSource
	}
	return env.Source.Send(NewEnvelope(msg))
}

// Message extracts the message of env as a T.
func Message[T any](env *Envelope) (T, error) {
	msg, ok := env.Message.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: got %T, want %T", ErrTypeMismatch, env.Message, zero)
	}
	return msg, nil
}

func (env *Envelope) messageType() reflect.Type {
	if env.Type != nil {
		return env.Type
	}
	return reflect.TypeOf(env.Message)
}

func (env *Envelope) clone() *Envelope {
	cpy := *env
	return &cpy
}

package courier

import (
	"fmt"
	"log/slog"

	"github.com/raskyld/courier/pkg/wire"
)

// Event describes something which happened while routing an envelope.
// Only the fields relevant to the event are set.
type Event struct {
	Method         string
	Message        string
	Envelope       *Envelope
	Wire           *wire.Envelope
	ResourceID     string
	Node           string
	RemoteEndpoint string
	ReceiverID     string
	Err            error
}

// Instrumentation receives trace and error events from a `Node`.
// Implementations must not block. A panicking implementation never
// affects delivery.
type Instrumentation interface {
	Trace(ev Event)
	Error(ev Event)
}

// SlogInstrumentation logs events, traces at debug level.
type SlogInstrumentation struct {
	logger *slog.Logger
}

func NewSlogInstrumentation(handler slog.Handler) *SlogInstrumentation {
	return &SlogInstrumentation{logger: slog.New(handler)}
}

func (si *SlogInstrumentation) Trace(ev Event) {
	si.logger.Debug(ev.Message, ev.attrs()...)
}

func (si *SlogInstrumentation) Error(ev Event) {
	si.logger.Error(ev.Message, ev.attrs()...)
}

func (ev *Event) attrs() []any {
	attrs := []any{slog.String("method", ev.Method)}
	if ev.ResourceID != "" {
		attrs = append(attrs, LabelResourceID.L(ev.ResourceID))
	}
	if ev.ReceiverID != "" {
		attrs = append(attrs, slog.String("receiver_id", ev.ReceiverID))
	}
	if ev.Node != "" {
		attrs = append(attrs, LabelNodeName.L(ev.Node))
	}
	if ev.RemoteEndpoint != "" {
		attrs = append(attrs, LabelPeerAddr.L(ev.RemoteEndpoint))
	}
	if ev.Envelope != nil {
		attrs = append(attrs, slog.String("message_type", fmt.Sprint(ev.Envelope.messageType())))
	}
	if ev.Wire != nil {
		attrs = append(attrs, slog.String("message_type", ev.Wire.MessageType))
	}
	if ev.Err != nil {
		attrs = append(attrs, LabelError.L(ev.Err))
	}
	return attrs
}

type nopInstrumentation struct{}

func (nopInstrumentation) Trace(Event) {}
func (nopInstrumentation) Error(Event) {}

// safeInstrumentation shields the node from a faulty sink.
type safeInstrumentation struct {
	inner  Instrumentation
	logger *slog.Logger
}

func (si safeInstrumentation) Trace(ev Event) {
	defer si.guard(ev)
	si.inner.Trace(ev)
}

func (si safeInstrumentation) Error(ev Event) {
	defer si.guard(ev)
	si.inner.Error(ev)
}

func (si safeInstrumentation) guard(ev Event) {
	if r := recover(); r != nil {
		si.logger.Warn(
			"instrumentation sink panicked",
			slog.String("method", ev.Method),
			LabelError.L(fmt.Sprint(r)),
		)
	}
}

package courier

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/raskyld/courier"

// OTelInstrumentation records every event as a short span.
type OTelInstrumentation struct {
	tracer trace.Tracer
}

func NewOTelInstrumentation(tp trace.TracerProvider) *OTelInstrumentation {
	return &OTelInstrumentation{tracer: tp.Tracer(tracerName)}
}

func (oi *OTelInstrumentation) Trace(ev Event) {
	_, span := oi.tracer.Start(context.Background(), ev.Method, trace.WithAttributes(ev.otelAttributes()...))
	span.AddEvent(ev.Message)
	span.End()
}

func (oi *OTelInstrumentation) Error(ev Event) {
	_, span := oi.tracer.Start(context.Background(), ev.Method, trace.WithAttributes(ev.otelAttributes()...))
	if ev.Err != nil {
		span.RecordError(ev.Err)
	}
	span.SetStatus(codes.Error, ev.Message)
	span.End()
}

func (ev *Event) otelAttributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if ev.ResourceID != "" {
		attrs = append(attrs, attribute.String("courier.resource_id", ev.ResourceID))
	}
	if ev.ReceiverID != "" {
		attrs = append(attrs, attribute.String("courier.receiver_id", ev.ReceiverID))
	}
	if ev.Node != "" {
		attrs = append(attrs, attribute.String("courier.node", ev.Node))
	}
	if ev.RemoteEndpoint != "" {
		attrs = append(attrs, attribute.String("courier.remote_endpoint", ev.RemoteEndpoint))
	}
	if ev.Envelope != nil {
		attrs = append(attrs,
			attribute.String("courier.message_type", fmt.Sprint(ev.Envelope.messageType())),
			attribute.Bool("courier.synchronous", ev.Envelope.Synchronous),
		)
	}
	if ev.Wire != nil {
		attrs = append(attrs,
			attribute.String("courier.message_type", ev.Wire.MessageType),
			attribute.Bool("courier.synchronous", ev.Wire.Synchronous),
		)
	}
	return attrs
}

package courier

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricEnvelopeOutCount         = []string{"courier", "envelope", "out", "count"}
	MetricEnvelopeOutBytes         = []string{"courier", "envelope", "out", "bytes"}
	MetricEnvelopeInCount          = []string{"courier", "envelope", "in", "count"}
	MetricEnvelopeInBytes          = []string{"courier", "envelope", "in", "bytes"}
	MetricDeliveryErrorCount       = []string{"courier", "delivery", "error", "count"}
	MetricProtocolFaultCount       = []string{"courier", "protocol", "fault", "count"}
	MetricConnEstCount             = []string{"courier", "connection", "established", "count"}
	MetricConnReconnectCount       = []string{"courier", "connection", "reconnect", "count"}
	MetricRegistryResources        = []string{"courier", "registry", "resources"}
	MetricFutureTimeoutCount       = []string{"courier", "future", "timeout", "count"}
	MetricFutureLateReplyCount     = []string{"courier", "future", "late_reply", "count"}
	MetricQueueSaturatedCount      = []string{"courier", "queue", "saturated", "count"}
	MetricQueueSpilledCount        = []string{"courier", "queue", "spilled", "count"}
	MetricTimeoutChannelFiredCount = []string{"courier", "timeout_channel", "fired", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelResourceID TelemetryLabel = "resource_id"
	LabelMessageID  TelemetryLabel = "message_id"
	LabelFaultCode  TelemetryLabel = "fault_code"
	LabelQueue      TelemetryLabel = "queue"
	LabelNodeName   TelemetryLabel = "node_name"
	LabelDuration   TelemetryLabel = "duration"
	LabelAcked      TelemetryLabel = "acked"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

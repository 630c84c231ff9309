package nsqpool

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricPublishCount counts pool-level publishes, labelled by strategy
	// and result.
	MetricPublishCount         = []string{"nsqpool", "publish", "count"}
	MetricPublishDuration      = []string{"nsqpool", "publish", "duration"}
	MetricPublishAcks          = []string{"nsqpool", "publish", "acks"}
	MetricAttemptCount         = []string{"nsqpool", "attempt", "count"}
	MetricPeerRoundTripCount   = []string{"nsqpool", "peer", "roundtrip", "count"}
	MetricPeerRoundTripErrors  = []string{"nsqpool", "peer", "roundtrip", "error", "count"}
	MetricPeerDialCount        = []string{"nsqpool", "peer", "dial", "count"}
	MetricServerCommandCount   = []string{"nsqpool", "server", "command", "count"}
	MetricServerStreamErrCount = []string{"nsqpool", "server", "stream", "error", "count"}
	MetricServerConnEstCount   = []string{"nsqpool", "server", "connection", "established", "count"}
	MetricServerConnErrCount   = []string{"nsqpool", "server", "connection", "error", "count"}
	MetricUDPBufferSizeBytes   = []string{"nsqpool", "udp", "buffer", "size", "bytes"}
	MetricMembershipJoinCount  = []string{"nsqpool", "membership", "join", "count"}
	MetricMembershipDialErrors = []string{"nsqpool", "membership", "dial", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelResult     TelemetryLabel = "result"
	LabelStrategy   TelemetryLabel = "strategy"
	LabelTopic      TelemetryLabel = "topic"
	LabelCommand    TelemetryLabel = "command"
	LabelConnection TelemetryLabel = "connection"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelRequired   TelemetryLabel = "required"
	LabelSuccess    TelemetryLabel = "success"
	LabelDuration   TelemetryLabel = "duration"
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

// withLabels returns a fresh slice so callers never share the backing
// array of the static labels.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}

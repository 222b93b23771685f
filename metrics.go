package courier

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricDispatchCount         = []string{"courier", "station", "dispatch", "count"}
	MetricPendingDropCount      = []string{"courier", "station", "pending", "drop", "count"}
	MetricPendingDepth          = []string{"courier", "station", "pending", "depth"}
	MetricFailureCount          = []string{"courier", "station", "failure", "count"}
	MetricFilterErrorCount      = []string{"courier", "station", "filter", "error", "count"}
	MetricMailboxConnectCount   = []string{"courier", "mailbox", "connect", "count"}
	MetricMailboxConnectErrors  = []string{"courier", "mailbox", "connect", "error", "count"}
	MetricMailboxCloseCount     = []string{"courier", "mailbox", "close", "count"}
	MetricMailboxTimeoutCount   = []string{"courier", "mailbox", "timeout", "count"}
	MetricMailboxOrphanCount    = []string{"courier", "mailbox", "response", "orphan", "count"}
	MetricFrameOutBytes         = []string{"courier", "frame", "out", "bytes"}
	MetricFrameInBytes          = []string{"courier", "frame", "in", "bytes"}
	MetricAcceptorConnCount     = []string{"courier", "acceptor", "connection", "count"}
	MetricAcceptorConnErrors    = []string{"courier", "acceptor", "connection", "error", "count"}
	MetricAcceptorRequestCount  = []string{"courier", "acceptor", "request", "count"}
	MetricDispatcherCallCount   = []string{"courier", "dispatcher", "call", "count"}
	MetricDispatcherErrorCount  = []string{"courier", "dispatcher", "error", "count"}
	MetricTransportStreamErrors = []string{"courier", "transport", "stream", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelCode       TelemetryLabel = "code"
	LabelServerID   TelemetryLabel = "server_id"
	LabelServerType TelemetryLabel = "server_type"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelMethod     TelemetryLabel = "method"
	LabelRequestID  TelemetryLabel = "request_id"
	LabelFrameType  TelemetryLabel = "frame_type"
	LabelCodec      TelemetryLabel = "codec"
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

// withLabels returns a fresh slice so callers never alias the static labels.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

package metrics

// Metric names
const (
	MetricNameFramesReceived     = "crashlane_frames_received_total"
	MetricNamePayloadsDispatched = "crashlane_payloads_dispatched_total"
	MetricNamePayloadsDropped    = "crashlane_payloads_dropped_total"
	MetricNameReconnectAttempts  = "crashlane_reconnect_attempts_total"
	MetricNameSessionsConnected  = "crashlane_sessions_connected"
	MetricNameBetsReconciled     = "crashlane_bets_reconciled_total"
	MetricNameRequestDuration    = "crashlane_request_duration_seconds"
)

// Help text
const (
	HelpTextFramesReceived     = "Channel frames received, by frame type"
	HelpTextPayloadsDispatched = "Inbound payloads applied, by payload type"
	HelpTextPayloadsDropped    = "Inbound frames dropped, by reason"
	HelpTextReconnectAttempts  = "Rejoin attempts made after an unexpected channel close"
	HelpTextSessionsConnected  = "Sessions with an open realtime channel"
	HelpTextBetsReconciled     = "Bets touched by ledger reconciliation, by operation"
	HelpTextRequestDuration    = "Request channel latency, by endpoint"
)

// Labels
const (
	LabelType     = "type"
	LabelReason   = "reason"
	LabelOp       = "op"
	LabelEndpoint = "endpoint"
	LabelStatus   = "status"
)

// Drop reasons
const (
	ReasonMalformed = "malformed"
	ReasonRejected  = "rejected"
	ReasonUnknown   = "unknown"
	ReasonStale     = "stale_connection"
)

var RequestLatencyBuckets = []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

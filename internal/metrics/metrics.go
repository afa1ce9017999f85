package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel metrics
var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameFramesReceived,
			Help: HelpTextFramesReceived,
		},
		[]string{LabelType},
	)

	PayloadsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePayloadsDispatched,
			Help: HelpTextPayloadsDispatched,
		},
		[]string{LabelType},
	)

	PayloadsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePayloadsDropped,
			Help: HelpTextPayloadsDropped,
		},
		[]string{LabelReason},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameReconnectAttempts,
			Help: HelpTextReconnectAttempts,
		},
	)

	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameSessionsConnected,
			Help: HelpTextSessionsConnected,
		},
	)
)

// Ledger metrics
var (
	BetsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameBetsReconciled,
			Help: HelpTextBetsReconciled,
		},
		[]string{LabelOp},
	)
)

// Request channel metrics
var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameRequestDuration,
			Help:    HelpTextRequestDuration,
			Buckets: RequestLatencyBuckets,
		},
		[]string{LabelEndpoint, LabelStatus},
	)
)

package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "update_log",
		Name:      "append_seconds",
		Help:      "Latency for appending updates to the log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "update_log",
		Name:      "replay_seconds",
		Help:      "Latency for replaying a document from the log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	backlog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "update_log",
		Name:      "backlog_entries",
		Help:      "Log entries beyond the latest snapshot per document.",
	}, []string{"document"})

	persistedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "update_log",
		Name:      "persisted_total",
		Help:      "Updates handed to the log by the persister, by result.",
	}, []string{"result"})

	logTracer = otel.Tracer("github.com/example/sync-state-bridge/storage")
)

func init() {
	prometheus.MustRegister(appendLatency, replayLatency, backlog, persistedTotal)
}

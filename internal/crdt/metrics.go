package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "apply_update_seconds",
		Help:      "Time spent integrating remote updates into document replicas.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"document"})

	transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "transactions_total",
		Help:      "Transactions committed to document replicas by kind.",
	}, []string{"document", "kind"})

	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "documents",
		Help:      "Number of document replicas loaded in memory.",
	})
)

func init() {
	prometheus.MustRegister(applyLatency, transactionsTotal, documentCount)
}

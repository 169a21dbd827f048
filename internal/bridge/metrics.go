package bridge

import "github.com/prometheus/client_golang/prometheus"

var (
	publishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "publishes_total",
		Help:      "Store changes written to a shared map in one transaction.",
	}, []string{"map"})

	fieldsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "fields_published_total",
		Help:      "Top-level fields written to or deleted from a shared map.",
	}, []string{"map"})

	appliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "applies_total",
		Help:      "Shared map changes applied to a store, by apply mode.",
	}, []string{"map", "mode"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "errors_total",
		Help:      "Errors reported by bindings, by kind.",
	}, []string{"map", "kind"})
)

func init() {
	prometheus.MustRegister(publishesTotal, fieldsPublished, appliesTotal, errorsTotal)
}

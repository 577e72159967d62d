package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("docloader/loader")

var (
	iteratorSwapsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docloader",
		Name:      "loader_query_swaps_total",
		Help:      "The total number of times a loader replaced its running query.",
	})

	documentsLoadedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docloader",
		Name:      "loader_documents_loaded_total",
		Help:      "The total number of documents read by direct loads.",
	})

	staleLoadsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docloader",
		Name:      "loader_stale_loads_dropped_total",
		Help:      "The total number of direct loads dropped because a newer identifier set arrived.",
	})
)

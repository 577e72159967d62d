package paging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

const metricsNamespace = "docloader"

var tracer = otel.Tracer("docloader/paging")

var (
	pagesFetchedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "pages_fetched_total",
		Help:      "The total number of pages fetched from the document store.",
	})

	pageFetchErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "page_fetch_errors_total",
		Help:      "The total number of page fetches that failed.",
	})

	coalescedNextCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "coalesced_next_total",
		Help:      "The total number of next calls that joined a fetch already in flight.",
	})

	staleResultsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "stale_results_dropped_total",
		Help:      "The total number of fetch results dropped because the iterator was reset or destroyed meanwhile.",
	})
)

// Package metrics holds the Prometheus collectors shared across the
// broker's components, registered once at construction the way the
// teacher registers its version collector in main.go's init().
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the engine emits to. A single
// instance is constructed and threaded through the gate and the
// upstream registry's breaker clients.
type Metrics struct {
	InFlightSearches prometheus.Gauge
	AdmittedTotal    *prometheus.CounterVec
	SearchDuration   prometheus.Histogram
	ShardRequests    *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
}

// New constructs a Metrics bundle. Registerer is typically
// prometheus.DefaultRegisterer; pass a fresh prometheus.NewRegistry()
// in tests to avoid duplicate-registration panics across packages.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InFlightSearches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fhir_broker",
			Name:      "in_flight_searches",
			Help:      "Number of searches currently admitted and executing.",
		}),
		AdmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fhir_broker",
			Name:      "admission_total",
			Help:      "Count of admission decisions by outcome.",
		}, []string{"outcome"}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fhir_broker",
			Name:      "search_duration_seconds",
			Help:      "End-to-end search latency from admission to release.",
			Buckets:   prometheus.DefBuckets,
		}),
		ShardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fhir_broker",
			Name:      "shard_requests_total",
			Help:      "Count of per-shard sub-query outcomes.",
		}, []string{"shard_id", "outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fhir_broker",
			Name:      "circuit_breaker_state",
			Help:      "Per-shard breaker state: 0=closed, 1=half-open, 2=open.",
		}, []string{"shard_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.InFlightSearches, m.AdmittedTotal, m.SearchDuration, m.ShardRequests, m.BreakerState)
	}
	return m
}

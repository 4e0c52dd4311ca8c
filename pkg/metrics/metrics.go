// Package metrics declares the Prometheus collectors shared by the services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the services emit.
type Metrics struct {
	registry *prometheus.Registry

	HTTPDuration *prometheus.HistogramVec
	HTTPInFlight prometheus.Gauge

	EventsPublished   *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	EventsRepublished prometheus.Counter
	EventsConsumed    *prometheus.CounterVec
	DedupHits         *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec

	CartsFinalized  *prometheus.CounterVec
	ReportsBuilt    *prometheus.CounterVec
	JournalArchived prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": service}

	return &Metrics{
		registry: reg,
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "pos_http_request_duration_seconds",
			Help:        "HTTP request latency by route, method and status.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		HTTPInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pos_http_requests_in_flight",
			Help:        "HTTP requests currently being served.",
			ConstLabels: labels,
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_events_published_total",
			Help:        "Events handed to the broker by topic and outcome.",
			ConstLabels: labels,
		}, []string{"topic", "outcome"}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_events_delivered_total",
			Help:        "Delivery acknowledgements recorded by subscriber and outcome.",
			ConstLabels: labels,
		}, []string{"subscriber", "outcome"}),
		EventsRepublished: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pos_events_republished_total",
			Help:        "Events re-sent by the republish scheduler.",
			ConstLabels: labels,
		}),
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_events_consumed_total",
			Help:        "Events processed by a consumer by topic and outcome.",
			ConstLabels: labels,
		}, []string{"topic", "outcome"}),
		DedupHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_events_dedup_hits_total",
			Help:        "Duplicate events dropped before side effects, by layer.",
			ConstLabels: labels,
		}, []string{"layer"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_cache_hits_total",
			Help:        "Cache hits by cache name.",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_cache_misses_total",
			Help:        "Cache misses by cache name.",
			ConstLabels: labels,
		}, []string{"cache"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pos_breaker_state",
			Help:        "Circuit breaker state (0 closed, 1 half-open, 2 open).",
			ConstLabels: labels,
		}, []string{"name"}),
		CartsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_transactions_total",
			Help:        "Finalized transactions by type.",
			ConstLabels: labels,
		}, []string{"type"}),
		ReportsBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pos_reports_built_total",
			Help:        "Reports generated by scope and type.",
			ConstLabels: labels,
		}, []string{"scope", "type"}),
		JournalArchived: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pos_journal_archived_total",
			Help:        "Journal archive objects written to object storage.",
			ConstLabels: labels,
		}),
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

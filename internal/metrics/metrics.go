// Package metrics exposes the engine's Prometheus instrumentation. The
// collector owns its registry so tests and embedded engines never fight
// over the default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the engine records.
type Collector struct {
	registry *prometheus.Registry

	// IngestActions counts applied ingestion actions by event.
	IngestActions *prometheus.CounterVec

	// RetrievalDuration tracks hybrid search latency.
	RetrievalDuration prometheus.Histogram

	// CacheEvents counts hits and misses per cache.
	CacheEvents *prometheus.CounterVec

	// TierMoves counts lifecycle transitions by destination tier.
	TierMoves *prometheus.CounterVec

	// HTTPRequests and HTTPDuration instrument the API surface.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector builds and registers the engine's metrics under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	ingestActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_actions_total",
		Help:      "Applied ingestion actions by event.",
	}, []string{"event"})

	retrievalDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_duration_seconds",
		Help:      "Hybrid retrieval latency.",
		Buckets:   prometheus.DefBuckets,
	})

	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_events_total",
		Help:      "Cache hits and misses by cache.",
	}, []string{"cache", "outcome"})

	tierMoves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_moves_total",
		Help:      "Memory lifecycle transitions by destination tier.",
	}, []string{"tier"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})

	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	registry.MustRegister(
		ingestActions,
		retrievalDuration,
		cacheEvents,
		tierMoves,
		httpRequests,
		httpDuration,
	)

	return &Collector{
		registry:          registry,
		IngestActions:     ingestActions,
		RetrievalDuration: retrievalDuration,
		CacheEvents:       cacheEvents,
		TierMoves:         tierMoves,
		HTTPRequests:      httpRequests,
		HTTPDuration:      httpDuration,
	}
}

// Handler serves this collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordAction counts one applied ingestion action.
func (c *Collector) RecordAction(event string) {
	c.IngestActions.WithLabelValues(event).Inc()
}

// RecordRetrieval observes one hybrid search.
func (c *Collector) RecordRetrieval(d time.Duration) {
	c.RetrievalDuration.Observe(d.Seconds())
}

// RecordCache counts one lookup against the named cache.
func (c *Collector) RecordCache(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.CacheEvents.WithLabelValues(cache, outcome).Inc()
}

// RecordTierMove counts one lifecycle transition.
func (c *Collector) RecordTierMove(tier string) {
	c.TierMoves.WithLabelValues(tier).Inc()
}

// RecordHTTP counts and times one served request.
func (c *Collector) RecordHTTP(method, route string, status int, d time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

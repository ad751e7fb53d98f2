// Package metrics exposes Prometheus collectors for extraction runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

// Shard outcomes used as the "outcome" label.
const (
	ShardHit   = "hit"
	ShardMiss  = "miss"
	ShardError = "error"
)

// Recorder owns the collectors of one process. A nil *Recorder discards
// every observation.
type Recorder struct {
	gatherer prometheus.Gatherer

	shardsTotal                *prometheus.CounterVec
	rowsCachedTotal            prometheus.Counter
	rowsPublishedTotal         prometheus.Counter
	subsetsTotal               *prometheus.CounterVec
	publishDurationSeconds     prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		gatherer: gatherer,
		shardsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwnews_shards_total",
				Help: "Total number of shards handled, labeled by cache outcome.",
			},
			[]string{"outcome"},
		),
		rowsCachedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fwnews_rows_cached_total",
				Help: "Total number of filtered rows written to the shard cache.",
			},
		),
		rowsPublishedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fwnews_rows_published_total",
				Help: "Total number of rows accepted by the registry.",
			},
		),
		subsetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwnews_subsets_total",
				Help: "Total number of subsets that reached a final state, labeled by state.",
			},
			[]string{"state"},
		),
		publishDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fwnews_publish_duration_seconds",
				Help:    "Histogram of subset publish latencies.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// Handler returns an http.Handler exposing the recorder's collectors.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveShard counts one shard with the given cache outcome.
func (r *Recorder) ObserveShard(outcome string) {
	if r == nil {
		return
	}
	r.shardsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCachedRows adds rows written to the cache.
func (r *Recorder) ObserveCachedRows(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.rowsCachedTotal.Add(float64(n))
}

// ObservePublish records an accepted publish.
func (r *Recorder) ObservePublish(rows int64, duration time.Duration) {
	if r == nil {
		return
	}
	if rows > 0 {
		r.rowsPublishedTotal.Add(float64(rows))
	}
	r.publishDurationSeconds.Observe(duration.Seconds())
}

// ObserveSubset counts a subset reaching state.
func (r *Recorder) ObserveSubset(state extract.SubsetState) {
	if r == nil {
		return
	}
	r.subsetsTotal.WithLabelValues(string(state)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

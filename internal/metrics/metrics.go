//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package metrics provides Prometheus instrumentation for the retrieval
// engine and its HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache level labels used with RecordCacheHit and RecordCacheMiss.
const (
	CacheEmbedding = "embedding"
	CacheResult    = "result"
	CacheResponse  = "response"
)

// Collaborator labels used with ObserveCollaborator.
const (
	CollaboratorEmbed      = "embed"
	CollaboratorSearch     = "search"
	CollaboratorGenerate   = "generate"
	CollaboratorGovernance = "governance"
)

// Collector records engine and HTTP metrics on a caller-owned registry.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	retrievalsTotal  *prometheus.CounterVec
	retrievalTokens  *prometheus.HistogramVec
	retrievalLatency *prometheus.HistogramVec
	truncationsTotal *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	subQueriesTotal      *prometheus.CounterVec
	collaboratorDuration *prometheus.HistogramVec

	namespace  string
	registerer prometheus.Registerer
}

// NewCollector creates a collector and registers its metrics on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{namespace: namespace, registerer: reg}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.retrievalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Total number of retrieval operations",
		},
		[]string{"endpoint", "outcome"},
	)

	c.retrievalTokens = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_tokens_used",
			Help:      "Tokens consumed per retrieval operation",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		},
		[]string{"endpoint"},
	)

	c.retrievalLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "End-to-end retrieval operation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint"},
	)

	c.truncationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_truncations_total",
			Help:      "Retrieval operations truncated, by cause",
		},
		[]string{"cause"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	c.subQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subqueries_total",
			Help:      "Sub-query executions by terminal status",
		},
		[]string{"status"},
	)

	c.collaboratorDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "Collaborator call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"collaborator"},
	)

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRetrieval records one completed retrieval operation.
func (c *Collector) RecordRetrieval(endpoint string, truncated bool, tokens int, duration time.Duration) {
	outcome := "ok"
	if truncated {
		outcome = "truncated"
	}
	c.retrievalsTotal.WithLabelValues(endpoint, outcome).Inc()
	c.retrievalTokens.WithLabelValues(endpoint).Observe(float64(tokens))
	c.retrievalLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordTruncation records the first truncation cause of an operation.
func (c *Collector) RecordTruncation(cause string) {
	c.truncationsTotal.WithLabelValues(cause).Inc()
}

// RecordCacheHit records a hit on the named cache level.
func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a miss on the named cache level.
func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordSubQuery records a sub-query reaching a terminal status.
func (c *Collector) RecordSubQuery(status string) {
	c.subQueriesTotal.WithLabelValues(status).Inc()
}

// ObserveCollaborator records the duration of one collaborator call.
func (c *Collector) ObserveCollaborator(collaborator string, duration time.Duration) {
	c.collaboratorDuration.WithLabelValues(collaborator).Observe(duration.Seconds())
}

// RegisterPoolGauges exposes worker-pool occupancy through gauge callbacks.
func (c *Collector) RegisterPoolGauges(active, queued func() int) {
	factory := promauto.With(c.registerer)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "worker_pool_active",
			Help:      "Sub-query workers currently executing",
		},
		func() float64 { return float64(active()) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "worker_pool_queued",
			Help:      "Sub-query tasks waiting in the pool queue",
		},
		func() float64 { return float64(queued()) },
	)
}

// statusClass collapses an HTTP status code into its class label.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

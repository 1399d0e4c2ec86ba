// Package metrics provides Prometheus metrics collection for the engine.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/csaworkbench/engine/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Command-surface HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Storage layer metrics (KV + relational stores)
	StorageOpTotal    *prometheus.CounterVec
	StorageOpDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec

	// Compute engine metrics
	TaskQueueDepth     *prometheus.GaugeVec
	TasksCompleted     *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec

	// Event bus metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of command-surface HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Command-surface HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by kind",
			},
			[]string{"service", "kind", "operation"},
		),

		StorageOpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total number of storage layer operations",
			},
			[]string{"service", "store", "operation", "status"},
		),
		StorageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Storage layer operation duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "store", "operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"service", "cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"service", "cache"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Total number of cache evictions by reason",
			},
			[]string{"service", "cache", "reason"},
		),

		TaskQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "compute_task_queue_depth",
				Help: "Current number of tasks waiting per priority queue",
			},
			[]string{"service", "priority"},
		),
		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compute_tasks_completed_total",
				Help: "Total number of compute tasks completed by outcome",
			},
			[]string{"service", "algorithm", "outcome"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compute_task_duration_seconds",
				Help:    "Compute task execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"service", "algorithm"},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of events published on the event bus",
			},
			[]string{"service", "topic"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Total number of events dropped because a subscriber queue was full",
			},
			[]string{"service", "topic"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.StorageOpTotal,
			m.StorageOpDuration,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheEvictions,
			m.TaskQueueDepth,
			m.TasksCompleted,
			m.TaskDuration,
			m.EventsPublishedTotal,
			m.EventsDroppedTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records a command-surface HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordStorageOp records a storage layer operation against the KV or relational store.
func (m *Metrics) RecordStorageOp(service, store, operation, status string, duration time.Duration) {
	m.StorageOpTotal.WithLabelValues(service, store, operation, status).Inc()
	m.StorageOpDuration.WithLabelValues(service, store, operation).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(service, cache string) {
	m.CacheHitsTotal.WithLabelValues(service, cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(service, cache string) {
	m.CacheMissesTotal.WithLabelValues(service, cache).Inc()
}

// RecordCacheEviction records a cache eviction by reason ("lru" or "ttl").
func (m *Metrics) RecordCacheEviction(service, cache, reason string) {
	m.CacheEvictions.WithLabelValues(service, cache, reason).Inc()
}

// SetTaskQueueDepth sets the current depth of a priority queue.
func (m *Metrics) SetTaskQueueDepth(service, priority string, depth int) {
	m.TaskQueueDepth.WithLabelValues(service, priority).Set(float64(depth))
}

// RecordTaskCompleted records a completed compute task and its duration.
func (m *Metrics) RecordTaskCompleted(service, algorithm, outcome string, duration time.Duration) {
	m.TasksCompleted.WithLabelValues(service, algorithm, outcome).Inc()
	m.TaskDuration.WithLabelValues(service, algorithm).Observe(duration.Seconds())
}

// RecordEventPublished records an event published on the given topic.
func (m *Metrics) RecordEventPublished(service, topic string) {
	m.EventsPublishedTotal.WithLabelValues(service, topic).Inc()
}

// RecordEventDropped records an event dropped due to a full subscriber queue.
func (m *Metrics) RecordEventDropped(service, topic string) {
	m.EventsDroppedTotal.WithLabelValues(service, topic).Inc()
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}

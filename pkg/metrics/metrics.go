package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Business metrics
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ArtifactsTotal     *prometheus.CounterVec
	EngineCalls        *prometheus.CounterVec
	EngineCallDuration *prometheus.HistogramVec

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	FallbacksTotal      *prometheus.CounterVec
	DegradationLevel    *prometheus.GaugeVec
	RecoveriesTotal     *prometheus.CounterVec

	// System metrics
	RedisConnections  *prometheus.GaugeVec
	QueueSize         *prometheus.GaugeVec
	ActiveGenerations *prometheus.GaugeVec

	// Performance metrics
	CacheHitRatio          *prometheus.GaugeVec
	CacheOperationDuration *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	// Authentication metrics
	AuthenticationAttempts *prometheus.CounterVec
	AuthenticationDuration *prometheus.HistogramVec

	// Resource metrics
	CPUUsage    *prometheus.GaugeVec
	MemoryUsage *prometheus.GaugeVec
	DiskUsage   *prometheus.GaugeVec
	Goroutines  *prometheus.GaugeVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "storyforge",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Business metrics
		GenerationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "generations_total",
				Help:      "Total number of generation jobs processed",
			},
			[]string{"status", "media_type", "engine"},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "generation_duration_seconds",
				Help:      "Generation job duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"status", "media_type"},
		),
		ArtifactsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "artifacts_total",
				Help:      "Total number of artifacts produced",
			},
			[]string{"media_type", "engine"},
		),
		EngineCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "engine_calls_total",
				Help:      "Total number of engine calls",
			},
			[]string{"engine", "status"},
		),
		EngineCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "engine_call_duration_seconds",
				Help:      "Engine call duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"engine", "status"},
		),

		// Resilience metrics
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),
		CircuitBreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"breaker"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "category"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Total number of fallback chain executions",
			},
			[]string{"chain", "outcome"},
		),
		DegradationLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degradation_level",
				Help:      "Service degradation level (4=full, 0=minimal)",
			},
			[]string{"domain"},
		),
		RecoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recoveries_total",
				Help:      "Total number of recovery procedure runs",
			},
			[]string{"category", "outcome"},
		),

		// System metrics
		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "redis_connections",
				Help:      "Number of Redis connections",
			},
			[]string{"state"},
		),
		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_size",
				Help:      "Number of items in queue",
			},
			[]string{"queue", "priority"},
		),
		ActiveGenerations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_generations",
				Help:      "Number of currently active generation jobs",
			},
			[]string{"status"},
		),

		// Performance metrics
		CacheHitRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_hit_ratio",
				Help:      "Cache hit ratio",
			},
			[]string{"cache_type"},
		),
		CacheOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operation_duration_seconds",
				Help:      "Cache operation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "cache_type"},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),

		// Authentication metrics
		AuthenticationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "authentication_attempts_total",
				Help:      "Total number of authentication attempts",
			},
			[]string{"provider", "status"},
		),
		AuthenticationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "authentication_duration_seconds",
				Help:      "Authentication duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "status"},
		),

		// Resource metrics
		CPUUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cpu_usage_percent",
				Help:      "CPU usage percentage",
			},
			[]string{"component"},
		),
		MemoryUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Memory usage in bytes",
			},
			[]string{"component", "type"},
		),
		DiskUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "disk_usage_bytes",
				Help:      "Disk usage in bytes",
			},
			[]string{"component", "type"},
		),
		Goroutines: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "goroutines",
				Help:      "Number of running goroutines",
			},
			[]string{"component"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.GenerationsTotal,
		m.GenerationDuration,
		m.ArtifactsTotal,
		m.EngineCalls,
		m.EngineCallDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.RetriesTotal,
		m.FallbacksTotal,
		m.DegradationLevel,
		m.RecoveriesTotal,
		m.RedisConnections,
		m.QueueSize,
		m.ActiveGenerations,
		m.CacheHitRatio,
		m.CacheOperationDuration,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.AuthenticationAttempts,
		m.AuthenticationDuration,
		m.CPUUsage,
		m.MemoryUsage,
		m.DiskUsage,
		m.Goroutines,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordGeneration records generation job metrics
func (m *Metrics) RecordGeneration(status, mediaType, engine string, duration time.Duration) {
	if m.GenerationsTotal == nil {
		return
	}

	m.GenerationsTotal.WithLabelValues(status, mediaType, engine).Inc()
	m.GenerationDuration.WithLabelValues(status, mediaType).Observe(duration.Seconds())
}

// RecordArtifact records artifact production metrics
func (m *Metrics) RecordArtifact(mediaType, engine string) {
	if m.ArtifactsTotal == nil {
		return
	}

	m.ArtifactsTotal.WithLabelValues(mediaType, engine).Inc()
}

// RecordEngineCall records engine call metrics
func (m *Metrics) RecordEngineCall(engine, status string, duration time.Duration) {
	if m.EngineCalls == nil {
		return
	}

	m.EngineCalls.WithLabelValues(engine, status).Inc()
	m.EngineCallDuration.WithLabelValues(engine, status).Observe(duration.Seconds())
}

// SetCircuitBreakerState updates the circuit breaker state gauge
func (m *Metrics) SetCircuitBreakerState(breaker string, state int) {
	if m.CircuitBreakerState == nil {
		return
	}

	m.CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip
func (m *Metrics) RecordCircuitBreakerTrip(breaker string) {
	if m.CircuitBreakerTrips == nil {
		return
	}

	m.CircuitBreakerTrips.WithLabelValues(breaker).Inc()
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(operation, category string) {
	if m.RetriesTotal == nil {
		return
	}

	m.RetriesTotal.WithLabelValues(operation, category).Inc()
}

// RecordFallback records a fallback chain execution outcome
func (m *Metrics) RecordFallback(chain, outcome string) {
	if m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(chain, outcome).Inc()
}

// SetDegradationLevel updates the degradation level gauge for a domain
func (m *Metrics) SetDegradationLevel(domain string, level int) {
	if m.DegradationLevel == nil {
		return
	}

	m.DegradationLevel.WithLabelValues(domain).Set(float64(level))
}

// RecordRecovery records a recovery procedure outcome
func (m *Metrics) RecordRecovery(category, outcome string) {
	if m.RecoveriesTotal == nil {
		return
	}

	m.RecoveriesTotal.WithLabelValues(category, outcome).Inc()
}

// UpdateRedisConnections updates Redis connection metrics
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// UpdateQueueSize updates queue size metrics
func (m *Metrics) UpdateQueueSize(queue, priority string, size int64) {
	if m.QueueSize == nil {
		return
	}

	m.QueueSize.WithLabelValues(queue, priority).Set(float64(size))
}

// UpdateActiveGenerations updates active generation metrics
func (m *Metrics) UpdateActiveGenerations(status string, count int64) {
	if m.ActiveGenerations == nil {
		return
	}

	m.ActiveGenerations.WithLabelValues(status).Set(float64(count))
}

// UpdateCacheHitRatio updates cache hit ratio metrics
func (m *Metrics) UpdateCacheHitRatio(cacheType string, ratio float64) {
	if m.CacheHitRatio == nil {
		return
	}

	m.CacheHitRatio.WithLabelValues(cacheType).Set(ratio)
}

// RecordCacheOperation records cache operation metrics
func (m *Metrics) RecordCacheOperation(operation, cacheType string, duration time.Duration) {
	if m.CacheOperationDuration == nil {
		return
	}

	m.CacheOperationDuration.WithLabelValues(operation, cacheType).Observe(duration.Seconds())
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// RecordAuthentication records authentication metrics
func (m *Metrics) RecordAuthentication(provider, status string, duration time.Duration) {
	if m.AuthenticationAttempts == nil {
		return
	}

	m.AuthenticationAttempts.WithLabelValues(provider, status).Inc()
	m.AuthenticationDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// UpdateResourceUsage updates resource usage metrics
func (m *Metrics) UpdateResourceUsage(component string, cpuPercent float64, memoryBytes, diskBytes int64) {
	if m.CPUUsage != nil {
		m.CPUUsage.WithLabelValues(component).Set(cpuPercent)
	}
	if m.MemoryUsage != nil {
		m.MemoryUsage.WithLabelValues(component, "used").Set(float64(memoryBytes))
	}
	if m.DiskUsage != nil {
		m.DiskUsage.WithLabelValues(component, "used").Set(float64(diskBytes))
	}
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsCollector collects and updates system metrics periodically
type MetricsCollector struct {
	metrics   *Metrics
	component string
	interval  time.Duration
	stopCh    chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, component string, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:   metrics,
		component: component,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins metrics collection
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

// collectMetrics collects runtime metrics
func (mc *MetricsCollector) collectMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	if mc.metrics.MemoryUsage != nil {
		mc.metrics.MemoryUsage.WithLabelValues(mc.component, "heap_alloc").Set(float64(memStats.HeapAlloc))
		mc.metrics.MemoryUsage.WithLabelValues(mc.component, "heap_sys").Set(float64(memStats.HeapSys))
		mc.metrics.MemoryUsage.WithLabelValues(mc.component, "stack_sys").Set(float64(memStats.StackSys))
	}
	if mc.metrics.Goroutines != nil {
		mc.metrics.Goroutines.WithLabelValues(mc.component).Set(float64(runtime.NumGoroutine()))
	}
}

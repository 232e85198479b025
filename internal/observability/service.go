package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/alerting"
	"github.com/storyforge/storyforge/pkg/config"
	"github.com/storyforge/storyforge/pkg/health"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/metrics"
	"github.com/storyforge/storyforge/pkg/resilience"
	"github.com/storyforge/storyforge/pkg/tracing"
)

// Service provides comprehensive observability functionality
type Service struct {
	logger   *logging.Logger
	metrics  *metrics.Metrics
	health   *health.Service
	tracing  *tracing.TracingService
	alerting *alerting.Service
	config   *Config
}

// Config holds observability configuration
type Config struct {
	ServiceName    string           `json:"service_name"`
	ServiceVersion string           `json:"service_version"`
	Environment    string           `json:"environment"`
	Logging        *logging.Config  `json:"logging"`
	Metrics        *metrics.Config  `json:"metrics"`
	Health         *health.Config   `json:"health"`
	Tracing        *tracing.Config  `json:"tracing"`
	Alerting       *alerting.Config `json:"alerting"`
}

// DefaultConfig returns default observability configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "storyforge",
		ServiceVersion: "1.0.0",
		Environment:    "development",
	}
}

// NewService creates a new observability service
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Initialize logging
	if config.Logging == nil {
		config.Logging = &logging.Config{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			ServiceName: config.ServiceName,
			Version:     config.ServiceVersion,
		}
	}

	logger, err := logging.NewLogger(config.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Initialize metrics
	if config.Metrics == nil {
		config.Metrics = metrics.DefaultConfig()
	}

	metricsService := metrics.NewMetrics(config.Metrics)

	// Initialize health checks
	if config.Health == nil {
		config.Health = health.DefaultConfig()
		config.Health.Metadata = map[string]string{
			"service":     config.ServiceName,
			"version":     config.ServiceVersion,
			"environment": config.Environment,
		}
	}

	healthService := health.NewService(logger, config.Health)

	// Initialize tracing
	if config.Tracing == nil {
		config.Tracing = tracing.DefaultConfig()
		config.Tracing.ServiceName = config.ServiceName
		config.Tracing.ServiceVersion = config.ServiceVersion
		config.Tracing.Environment = config.Environment
	}

	tracingService, err := tracing.NewTracingService(config.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize alerting
	if config.Alerting == nil {
		config.Alerting = alerting.DefaultConfig()
	}

	alertingService := alerting.NewService(logger, config.Alerting)

	// Add predefined alert rules
	for _, rule := range alerting.PredefinedAlerts {
		alertingService.AddRule(rule)
	}

	return &Service{
		logger:   logger,
		metrics:  metricsService,
		health:   healthService,
		tracing:  tracingService,
		alerting: alertingService,
		config:   config,
	}, nil
}

// Logger returns the logger instance
func (s *Service) Logger() *logging.Logger {
	return s.logger
}

// Metrics returns the metrics instance
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Health returns the health service instance
func (s *Service) Health() *health.Service {
	return s.health
}

// Tracing returns the tracing service instance
func (s *Service) Tracing() *tracing.TracingService {
	return s.tracing
}

// Alerting returns the alerting service instance
func (s *Service) Alerting() *alerting.Service {
	return s.alerting
}

// SetupHealthChecks registers the standard health checks. Nil
// dependencies are skipped so the API and worker binaries can register
// only what they actually hold.
func (s *Service) SetupHealthChecks(redis *queue.RedisClient, pipelineSvc pipeline.PipelineService, engines *pipeline.EngineManager, artifactDir string) {
	// Redis health check
	if redis != nil {
		s.health.RegisterChecker("redis", health.NewRedisChecker(redis, "Redis"))
	}

	// Pipeline service health check
	if pipelineSvc != nil {
		s.health.RegisterChecker("pipeline", health.NewCustomChecker(
			"pipeline",
			func(ctx context.Context) (health.Status, string, error) {
				if err := pipelineSvc.Health(ctx); err != nil {
					return health.StatusUnhealthy, "Pipeline service is not running", err
				}
				return health.StatusHealthy, "Pipeline service is healthy", nil
			},
		))
	}

	// Engine fleet health check
	if engines != nil {
		s.health.RegisterChecker("engines", health.NewCustomChecker(
			"engines",
			func(ctx context.Context) (health.Status, string, error) {
				stats := engines.GetStats()
				switch {
				case stats.TotalEngines == 0:
					return health.StatusDegraded, "No engines registered", nil
				case stats.HealthyEngines == 0 && stats.UnhealthyEngines > 0:
					return health.StatusUnhealthy, "All engines are unhealthy",
						fmt.Errorf("%d engines registered, none healthy", stats.TotalEngines)
				case stats.HealthyEngines == 0:
					return health.StatusDegraded, "Engine health not yet established", nil
				case stats.UnhealthyEngines > 0:
					return health.StatusDegraded,
						fmt.Sprintf("%d of %d engines healthy", stats.HealthyEngines, stats.TotalEngines), nil
				default:
					return health.StatusHealthy,
						fmt.Sprintf("All %d engines healthy", stats.TotalEngines), nil
				}
			},
		))
	}

	// Disk space health check on the artifact directory
	if artifactDir == "" {
		artifactDir = "/tmp"
	}
	s.health.RegisterChecker("disk_space", health.NewDiskSpaceChecker(
		artifactDir,
		"Artifact directory disk space",
		0.9, // Alert when 90% full
	))
}

// SetupAlertChannels wires notification channels from the alerting
// configuration
func (s *Service) SetupAlertChannels(cfg *config.AlertingConfig) {
	if cfg == nil || !cfg.Enabled {
		return
	}

	if cfg.SlackWebhookURL != "" {
		s.alerting.AddChannel(alerting.NewSlackChannel(
			cfg.SlackWebhookURL,
			"#storyforge-ops",
			"StoryForge Bot",
			":clapper:",
		))
	}

	if cfg.TeamsWebhookURL != "" {
		s.alerting.AddChannel(alerting.NewTeamsChannel(cfg.TeamsWebhookURL))
	}
}

// SetupResilienceAlerts routes alerts raised by the resilience layer
// through the alerting service channels and starts the system health
// monitor over the manager. The returned monitor stops with the context
// or via its Stop method.
func (s *Service) SetupResilienceAlerts(ctx context.Context, manager *resilience.Manager) *resilience.SystemHealthMonitor {
	alertManager := resilience.NewAlertManager()
	alertManager.AddHandler(resilience.NewLoggingAlertHandler())
	alertManager.AddHandler(alerting.NewResilienceHandler(s.alerting))

	monitor := resilience.NewSystemHealthMonitor(alertManager, manager)
	monitor.Start(ctx)
	return monitor
}

// ResilienceManagerConfig returns a manager config whose hooks feed the
// metrics registry, so breaker, degradation, recovery and fallback
// events show up on /metrics without polling.
func (s *Service) ResilienceManagerConfig() resilience.ManagerConfig {
	cfg := resilience.DefaultManagerConfig()

	cfg.OnBreakerStateChange = func(name string, from, to resilience.CircuitState) {
		s.metrics.SetCircuitBreakerState(name, breakerStateValue(to))
		if to == resilience.StateOpen {
			s.metrics.RecordCircuitBreakerTrip(name)
		}
	}
	cfg.OnDegradationChange = func(domain string, from, to resilience.DegradationLevel) {
		s.metrics.SetDegradationLevel(domain, int(to))
	}
	cfg.OnError = func(record resilience.ErrorRecord) {
		s.metrics.RecordError("pipeline", string(record.Category))
	}
	cfg.OnRecovery = func(outcome resilience.RecoveryOutcome) {
		result := "failed"
		switch {
		case !outcome.Attempted:
			result = "skipped"
		case outcome.Recovered:
			result = "recovered"
		}
		s.metrics.RecordRecovery(string(outcome.Category), result)
	}
	cfg.OnFallback = func(chain string, result resilience.AttemptResult) {
		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		s.metrics.RecordFallback(chain, outcome)
	}

	return cfg
}

// breakerStateValue maps a circuit state onto the gauge encoding
// (0=closed, 1=half-open, 2=open)
func breakerStateValue(state resilience.CircuitState) int {
	switch state {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}

// SetupMiddleware sets up observability middleware for Gin
func (s *Service) SetupMiddleware(router *gin.Engine) {
	// Logging middleware
	router.Use(s.logger.LoggingMiddleware())
	router.Use(s.logger.ErrorLoggingMiddleware())
	router.Use(s.logger.RecoveryMiddleware())

	// Metrics middleware
	router.Use(s.metrics.PrometheusMiddleware())

	// Tracing middleware
	router.Use(s.tracing.TracingMiddleware())
}

// SetupRoutes sets up observability endpoints
func (s *Service) SetupRoutes(router *gin.Engine) {
	// Health check endpoints
	router.GET("/health", s.health.Handler())
	router.GET("/health/live", s.health.LivenessHandler())
	router.GET("/health/ready", s.health.ReadinessHandler())

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Observability API group
	obs := router.Group("/api/v1/observability")
	{
		obs.GET("/alerts", s.getAlertsHandler())
		obs.POST("/alerts/:id/resolve", s.resolveAlertHandler())
		obs.GET("/health", s.getHealthHandler())
		obs.GET("/metrics/summary", s.getMetricsSummaryHandler())
	}
}

// getAlertsHandler returns active alerts
func (s *Service) getAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		alerts := s.alerting.GetActiveAlerts()
		c.JSON(http.StatusOK, gin.H{
			"alerts": alerts,
			"count":  len(alerts),
		})
	}
}

// resolveAlertHandler resolves an alert
func (s *Service) resolveAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		alertID := c.Param("id")
		if alertID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Alert ID is required",
			})
			return
		}

		err := s.alerting.ResolveAlert(c.Request.Context(), alertID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Alert resolved successfully",
		})
	}
}

// getHealthHandler returns detailed health information
func (s *Service) getHealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		healthResponse := s.health.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch healthResponse.Status {
		case health.StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case health.StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, healthResponse)
	}
}

// getMetricsSummaryHandler returns a summary of key metrics
func (s *Service) getMetricsSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"summary": map[string]interface{}{
				"generations_total":            "Available at /metrics",
				"generation_duration_seconds":  "Available at /metrics",
				"engine_call_duration_seconds": "Available at /metrics",
				"queue_size":                   "Available at /metrics",
				"active_alerts":                len(s.alerting.GetActiveAlerts()),
			},
			"endpoints": map[string]string{
				"metrics": "/metrics",
				"health":  "/health",
				"alerts":  "/api/v1/observability/alerts",
			},
		})
	}
}

// MonitorSystemHealth continuously monitors system health and triggers alerts
func (s *Service) MonitorSystemHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndTriggerAlerts(ctx)
		}
	}
}

// checkAndTriggerAlerts checks system health and triggers alerts if needed.
// A check that comes back healthy resolves any alert it raised earlier.
func (s *Service) checkAndTriggerAlerts(ctx context.Context) {
	healthResponse := s.health.CheckHealth(ctx)

	for name, check := range healthResponse.Checks {
		failedID := fmt.Sprintf("health_check_%s", name)
		degradedID := fmt.Sprintf("health_check_%s_degraded", name)

		switch check.Status {
		case health.StatusUnhealthy:
			alert := &alerting.Alert{
				ID:          failedID,
				Title:       fmt.Sprintf("Health check failed: %s", name),
				Description: fmt.Sprintf("Health check for %s failed: %s", name, check.Message),
				Severity:    alerting.SeverityCritical,
				Component:   name,
				Labels: map[string]string{
					"check_name": name,
					"category":   "health",
				},
				Annotations: map[string]string{
					"error":    check.Error,
					"duration": check.Duration.String(),
				},
			}

			s.alerting.TriggerAlert(ctx, alert)

		case health.StatusDegraded:
			alert := &alerting.Alert{
				ID:          degradedID,
				Title:       fmt.Sprintf("Health check degraded: %s", name),
				Description: fmt.Sprintf("Health check for %s is degraded: %s", name, check.Message),
				Severity:    alerting.SeverityWarning,
				Component:   name,
				Labels: map[string]string{
					"check_name": name,
					"category":   "health",
				},
				Annotations: map[string]string{
					"message":  check.Message,
					"duration": check.Duration.String(),
				},
			}

			s.alerting.TriggerAlert(ctx, alert)

		case health.StatusHealthy:
			if _, active := s.alerting.GetAlert(failedID); active {
				s.alerting.ResolveAlert(ctx, failedID)
			}
			if _, active := s.alerting.GetAlert(degradedID); active {
				s.alerting.ResolveAlert(ctx, degradedID)
			}
		}
	}
}

// Shutdown gracefully shuts down the observability service
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.WithContext(ctx).Info("Shutting down observability service")

	// Shutdown tracing
	if err := s.tracing.Shutdown(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to shutdown tracing service")
		return err
	}

	s.logger.WithContext(ctx).Info("Observability service shutdown complete")
	return nil
}

// RecordBusinessMetric records a business-specific metric
func (s *Service) RecordBusinessMetric(metricType string, labels map[string]string, value float64) {
	switch metricType {
	case "generation_completed":
		status, ok := labels["status"]
		if !ok {
			return
		}
		mediaType, ok := labels["media_type"]
		if !ok {
			return
		}
		s.metrics.RecordGeneration(status, mediaType, labels["engine"], secondsToDuration(value))

	case "artifact_produced":
		mediaType, ok := labels["media_type"]
		if !ok {
			return
		}
		s.metrics.RecordArtifact(mediaType, labels["engine"])

	case "engine_call":
		engine, ok := labels["engine"]
		if !ok {
			return
		}
		status, ok := labels["status"]
		if !ok {
			return
		}
		s.metrics.RecordEngineCall(engine, status, secondsToDuration(value))
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// LogStructuredEvent logs a structured event with context
func (s *Service) LogStructuredEvent(ctx context.Context, event string, component string, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"event":     event,
		"component": component,
	}

	for k, v := range fields {
		logFields[k] = v
	}

	s.logger.WithContext(ctx).WithFields(logFields).Info("Structured event")
}

package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storyforge/storyforge/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// AlertInfo - informational alerts
	AlertInfo AlertSeverity = iota
	// AlertWarning - warning alerts that need attention
	AlertWarning
	// AlertError - error alerts that need immediate attention
	AlertError
	// AlertCritical - critical alerts that need urgent attention
	AlertCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case AlertInfo:
		return "INFO"
	case AlertWarning:
		return "WARNING"
	case AlertError:
		return "ERROR"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager manages alert generation and routing
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.RWMutex
	logger   *logging.Logger

	// Rate limiting
	rateMu        sync.Mutex
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// NewAlertManager creates a new alert manager
func NewAlertManager() *AlertManager {
	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logging.GetLogger(),
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     100, // 100 alerts per reset interval
		resetInterval: time.Hour,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if !am.checkRateLimit(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	// Set timestamp if not provided
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	// Generate ID if not provided
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Source, alert.Timestamp.Unix())
	}

	am.logger.Info("Sending alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	am.mutex.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.RUnlock()

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

func (am *AlertManager) checkRateLimit(source string) bool {
	am.rateMu.Lock()
	defer am.rateMu.Unlock()

	now := time.Now()

	// Reset counters if interval has passed
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler() *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.GetLogger(),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	// Add tags as fields
	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}

	// Add metadata as fields
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case AlertInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case AlertWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case AlertError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case AlertCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// ErrorAlertGenerator turns classified errors into alerts
type ErrorAlertGenerator struct {
	alertManager *AlertManager
	classifier   Classifier
	logger       *logging.Logger
}

// NewErrorAlertGenerator creates a new error alert generator
func NewErrorAlertGenerator(alertManager *AlertManager, classifier Classifier) *ErrorAlertGenerator {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &ErrorAlertGenerator{
		alertManager: alertManager,
		classifier:   classifier,
		logger:       logging.GetLogger(),
	}
}

// HandleError processes an error and generates appropriate alerts
func (eag *ErrorAlertGenerator) HandleError(ctx context.Context, err error, source string, metadata map[string]interface{}) {
	if err == nil {
		return
	}

	classification := eag.classifier.Classify(err)

	alert := Alert{
		Severity:    alertSeverityFor(classification.Severity),
		Title:       alertTitleFor(classification.Category),
		Description: err.Error(),
		Source:      source,
		Tags: map[string]string{
			"error_category": string(classification.Category),
			"error_severity": classification.Severity.String(),
		},
		Metadata: metadata,
	}
	if IsCircuitOpenError(err) {
		alert.Tags["circuit_breaker"] = "true"
	}

	if alertErr := eag.alertManager.SendAlert(ctx, alert); alertErr != nil {
		eag.logger.Error("Failed to send error alert",
			"original_error", err,
			"alert_error", alertErr,
			"source", source,
		)
	}
}

func alertSeverityFor(severity ErrorSeverity) AlertSeverity {
	switch severity {
	case SeverityLow:
		return AlertInfo
	case SeverityMedium:
		return AlertWarning
	case SeverityHigh:
		return AlertError
	case SeverityCritical:
		return AlertCritical
	default:
		return AlertWarning
	}
}

func alertTitleFor(category ErrorCategory) string {
	switch category {
	case CategoryNetwork:
		return "Engine Connectivity Failure"
	case CategoryResourceExhaustion:
		return "Resource Exhaustion"
	case CategoryModelLoading:
		return "Model Loading Failure"
	case CategoryInference:
		return "Inference Failure"
	case CategoryInputValidation:
		return "Request Validation Failure"
	case CategoryTimeout:
		return "Operation Timeout"
	default:
		return "Unclassified Error"
	}
}

// SystemHealthMonitor watches the resilience manager and raises alerts
// when breakers open, circuits recover, or degradation levels move
type SystemHealthMonitor struct {
	alertManager *AlertManager
	manager      *Manager
	logger       *logging.Logger

	// Monitoring configuration
	checkInterval     time.Duration
	errorRateLimit    float64
	lastLevels        map[string]DegradationLevel
	lastBreakerStates map[string]string
	lastRateAlert     time.Time
	stopChan          chan struct{}
	running           bool
	mutex             sync.Mutex
}

// NewSystemHealthMonitor creates a new system health monitor
func NewSystemHealthMonitor(alertManager *AlertManager, manager *Manager) *SystemHealthMonitor {
	return &SystemHealthMonitor{
		alertManager:      alertManager,
		manager:           manager,
		logger:            logging.GetLogger(),
		checkInterval:     30 * time.Second,
		errorRateLimit:    10, // errors per minute before an alert fires
		lastLevels:        make(map[string]DegradationLevel),
		lastBreakerStates: make(map[string]string),
		stopChan:          make(chan struct{}),
	}
}

// Start starts the health monitoring
func (shm *SystemHealthMonitor) Start(ctx context.Context) {
	shm.mutex.Lock()
	defer shm.mutex.Unlock()

	if shm.running {
		return
	}

	shm.running = true
	go shm.monitorLoop(ctx)
	shm.logger.Info("System health monitor started")
}

// Stop stops the health monitoring
func (shm *SystemHealthMonitor) Stop() {
	shm.mutex.Lock()
	defer shm.mutex.Unlock()

	if !shm.running {
		return
	}

	close(shm.stopChan)
	shm.running = false
	shm.logger.Info("System health monitor stopped")
}

func (shm *SystemHealthMonitor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(shm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shm.stopChan:
			return
		case <-ticker.C:
			shm.checkSystemHealth(ctx)
		}
	}
}

func (shm *SystemHealthMonitor) checkSystemHealth(ctx context.Context) {
	status := shm.manager.GetResilienceStatus()

	for domain, level := range status.Degradation {
		last, seen := shm.lastLevels[domain]
		if !seen {
			shm.lastLevels[domain] = level
			if level != LevelFull {
				shm.sendDegradationAlert(ctx, domain, LevelFull, level)
			}
			continue
		}
		if level != last {
			shm.sendDegradationAlert(ctx, domain, last, level)
			shm.lastLevels[domain] = level
		}
	}

	for name, stats := range status.Breakers {
		last := shm.lastBreakerStates[name]
		if stats.State == last {
			continue
		}
		if stats.State == StateOpen.String() {
			shm.sendBreakerAlert(ctx, stats)
		} else if last == StateOpen.String() && stats.State == StateClosed.String() {
			shm.sendBreakerRecoveryAlert(ctx, stats)
		}
		shm.lastBreakerStates[name] = stats.State
	}

	if status.Errors.RatePerMinute > shm.errorRateLimit &&
		time.Since(shm.lastRateAlert) > 5*time.Minute {
		shm.sendErrorRateAlert(ctx, status.Errors)
		shm.lastRateAlert = time.Now()
	}
}

func (shm *SystemHealthMonitor) sendDegradationAlert(ctx context.Context, domain string, from, to DegradationLevel) {
	var severity AlertSeverity
	switch to {
	case LevelFull:
		severity = AlertInfo
	case LevelHigh, LevelMedium:
		severity = AlertWarning
	case LevelLow:
		severity = AlertError
	case LevelMinimal:
		severity = AlertCritical
	}

	alert := Alert{
		Severity:    severity,
		Title:       "Degradation Level Changed",
		Description: fmt.Sprintf("Domain '%s' moved from %s to %s", domain, from.String(), to.String()),
		Source:      "system_health_monitor",
		Tags: map[string]string{
			"component":      "degradation",
			"domain":         domain,
			"previous_level": from.String(),
			"current_level":  to.String(),
		},
	}

	if err := shm.alertManager.SendAlert(ctx, alert); err != nil {
		shm.logger.Error("Failed to send degradation alert", "error", err)
	}
}

func (shm *SystemHealthMonitor) sendBreakerAlert(ctx context.Context, stats CircuitStats) {
	alert := Alert{
		Severity:    AlertError,
		Title:       "Circuit Breaker Opened",
		Description: fmt.Sprintf("Circuit breaker '%s' is open after %d consecutive failures", stats.Name, stats.Counts.ConsecutiveFailures),
		Source:      "system_health_monitor",
		Tags: map[string]string{
			"component":       "circuit_breaker",
			"circuit_breaker": stats.Name,
			"state":           stats.State,
		},
		Metadata: map[string]interface{}{
			"counts":          stats.Counts,
			"recovery_expiry": stats.RecoveryExpiry,
		},
	}

	if err := shm.alertManager.SendAlert(ctx, alert); err != nil {
		shm.logger.Error("Failed to send circuit breaker alert", "error", err)
	}
}

func (shm *SystemHealthMonitor) sendBreakerRecoveryAlert(ctx context.Context, stats CircuitStats) {
	alert := Alert{
		Severity:    AlertInfo,
		Title:       "Circuit Breaker Recovered",
		Description: fmt.Sprintf("Circuit breaker '%s' closed again", stats.Name),
		Source:      "system_health_monitor",
		Tags: map[string]string{
			"component":       "circuit_breaker",
			"circuit_breaker": stats.Name,
			"state":           stats.State,
		},
	}

	if err := shm.alertManager.SendAlert(ctx, alert); err != nil {
		shm.logger.Error("Failed to send circuit breaker recovery alert", "error", err)
	}
}

func (shm *SystemHealthMonitor) sendErrorRateAlert(ctx context.Context, stats ErrorStats) {
	alert := Alert{
		Severity:    AlertWarning,
		Title:       "Elevated Error Rate",
		Description: fmt.Sprintf("Error rate is %.1f per minute over the last %ds", stats.RatePerMinute, stats.WindowSeconds),
		Source:      "system_health_monitor",
		Tags: map[string]string{
			"component": "error_analytics",
		},
		Metadata: map[string]interface{}{
			"errors_in_window": stats.ErrorsInWindow,
			"by_category":      stats.ByCategory,
			"most_common":      string(stats.MostCommon),
		},
	}

	if err := shm.alertManager.SendAlert(ctx, alert); err != nil {
		shm.logger.Error("Failed to send error rate alert", "error", err)
	}
}

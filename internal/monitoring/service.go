package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/resilience"
)

// Service samples queue backlog, runtime memory and circuit breaker
// state, and drives the degradation controller from what it sees.
// Degradation steps down as soon as a threshold is crossed; restoration
// waits for a run of consecutive healthy samples.
type Service struct {
	queue      queue.QueueInterface
	redis      *queue.RedisClient
	resilience *resilience.Manager
	engines    *pipeline.EngineManager
	cache      *cache.Service
	statsCache *cache.StatsCache
	config     *Config
	logger     *logging.Logger

	metrics    *SystemMetrics
	metricsMux sync.RWMutex

	healthyStreak int
	stopCh        chan struct{}
	running       bool
}

// Config holds monitoring configuration. Restore thresholds must sit
// below their degrade counterparts or the driver flaps around a single
// boundary.
type Config struct {
	CollectionInterval      time.Duration `json:"collection_interval"`
	EvaluationInterval      time.Duration `json:"evaluation_interval"`
	EventRetention          time.Duration `json:"event_retention"`
	DegradeQueueDepth       int64         `json:"degrade_queue_depth"`
	RestoreQueueDepth       int64         `json:"restore_queue_depth"`
	DegradeMemoryPercent    float64       `json:"degrade_memory_percent"`
	RestoreMemoryPercent    float64       `json:"restore_memory_percent"`
	RestoreHealthyIntervals int           `json:"restore_healthy_intervals"`
	EnableAutoDegrade       bool          `json:"enable_auto_degrade"`
	Domains                 []string      `json:"domains"`
}

// DefaultConfig returns default monitoring configuration
func DefaultConfig() *Config {
	return &Config{
		CollectionInterval:      30 * time.Second,
		EvaluationInterval:      time.Minute,
		EventRetention:          24 * time.Hour,
		DegradeQueueDepth:       200,
		RestoreQueueDepth:       50,
		DegradeMemoryPercent:    85.0,
		RestoreMemoryPercent:    60.0,
		RestoreHealthyIntervals: 3,
		EnableAutoDegrade:       true,
		Domains:                 []string{"story", "image", "video", "tts"},
	}
}

// NewService creates a monitoring service. engines and cacheSvc may be
// nil when the process has no engine fleet or cache to report through.
func NewService(jobQueue queue.QueueInterface, redis *queue.RedisClient, resilienceMgr *resilience.Manager, engines *pipeline.EngineManager, cacheSvc *cache.Service, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CollectionInterval <= 0 {
		config.CollectionInterval = 30 * time.Second
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = time.Minute
	}

	s := &Service{
		queue:      jobQueue,
		redis:      redis,
		resilience: resilienceMgr,
		engines:    engines,
		cache:      cacheSvc,
		config:     config,
		logger:     logging.GetLogger(),
		metrics:    &SystemMetrics{},
		stopCh:     make(chan struct{}),
	}
	if cacheSvc != nil {
		s.statsCache = cache.NewStatsCache(cacheSvc)
	}
	return s
}

// Start begins metrics collection and, when enabled, the degradation driver
func (s *Service) Start(ctx context.Context) error {
	if s.running {
		return errors.NewValidationError("monitoring service is already running")
	}

	s.running = true

	go s.collectMetrics(ctx)

	if s.config.EnableAutoDegrade {
		go s.degradationDriver(ctx)
	}

	return nil
}

// Stop stops the monitoring service
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}

	close(s.stopCh)
	s.running = false
	return nil
}

// GetMetrics returns a copy of the most recent sample
func (s *Service) GetMetrics() *SystemMetrics {
	s.metricsMux.RLock()
	defer s.metricsMux.RUnlock()

	metrics := *s.metrics
	if s.metrics.Degradation != nil {
		metrics.Degradation = make(map[string]resilience.DegradationLevel, len(s.metrics.Degradation))
		for domain, level := range s.metrics.Degradation {
			metrics.Degradation[domain] = level
		}
	}
	return &metrics
}

// collectMetrics periodically collects system metrics
func (s *Service) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.updateMetrics(ctx); err != nil {
				s.logger.Warn("Metrics collection failed", "error", err.Error())
			}
		}
	}
}

// updateMetrics takes one sample. A queue read failure fails the whole
// sample so the previous snapshot stays in place; stale numbers are
// safer to keep than zeroed ones.
func (s *Service) updateMetrics(ctx context.Context) error {
	metrics := &SystemMetrics{
		Timestamp: time.Now(),
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	if memStats.Sys > 0 {
		metrics.MemoryPercent = float64(memStats.Alloc) / float64(memStats.Sys) * 100
	}
	metrics.HeapAllocMB = float64(memStats.HeapAlloc) / (1024 * 1024)
	metrics.GoroutineCount = runtime.NumGoroutine()
	metrics.GCPauseTotal = time.Duration(memStats.PauseTotalNs)

	if s.redis != nil {
		poolStats := s.redis.Stats()
		metrics.RedisConnections = int64(poolStats.TotalConns)
		metrics.RedisIdleConns = int64(poolStats.IdleConns)
		metrics.RedisStaleConns = int64(poolStats.StaleConns)
	}

	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		return err
	}
	metrics.QueuedJobs = stats.ByStatus[queue.JobStatusQueued]
	metrics.RunningJobs = stats.ByStatus[queue.JobStatusRunning]
	metrics.RetryingJobs = stats.ByStatus[queue.JobStatusRetrying]
	metrics.DeadLetterJobs = stats.DeadLetter

	if s.engines != nil {
		engineStats := s.engines.GetStats()
		metrics.TotalEngines = engineStats.TotalEngines
		metrics.HealthyEngines = engineStats.HealthyEngines
	}

	status := s.resilience.GetResilienceStatus()
	for _, breaker := range status.Breakers {
		if breaker.State == resilience.StateOpen.String() {
			metrics.OpenBreakers++
		}
	}
	metrics.Degradation = status.Degradation

	s.metricsMux.Lock()
	s.metrics = metrics
	s.metricsMux.Unlock()

	if s.statsCache == nil {
		return nil
	}

	cacheMetrics := &cache.SystemMetrics{
		ActiveGenerations: metrics.RunningJobs,
		QueuedGenerations: metrics.Backlog(),
		TotalEngines:      metrics.TotalEngines,
		HealthyEngines:    metrics.HealthyEngines,
		RedisConnections:  int(metrics.RedisConnections),
		UpdatedAt:         metrics.Timestamp,
	}
	return s.statsCache.SetSystemMetrics(ctx, cacheMetrics)
}

// degradationDriver periodically evaluates the latest sample against
// the thresholds
func (s *Service) degradationDriver(ctx context.Context) {
	ticker := time.NewTicker(s.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evaluateDegradation(ctx)
		}
	}
}

// evaluateDegradation moves the managed domains one way or the other.
// Pressure degrades immediately. Restoration needs the configured run
// of consecutive healthy samples, and any sample that is neither
// healthy nor pressured resets the run.
func (s *Service) evaluateDegradation(ctx context.Context) {
	metrics := s.GetMetrics()

	// Never act on a stale snapshot, collection may be failing.
	if metrics.Timestamp.IsZero() || time.Since(metrics.Timestamp) > 2*s.config.CollectionInterval {
		return
	}

	switch {
	case s.underPressure(metrics):
		s.healthyStreak = 0
		s.applyDegrade(ctx, metrics)
	case s.withinRestoreBand(metrics):
		s.healthyStreak++
		if s.healthyStreak >= s.config.RestoreHealthyIntervals {
			s.applyRestore(ctx, metrics)
		}
	default:
		s.healthyStreak = 0
	}
}

// underPressure reports whether the sample crosses a degrade threshold
func (s *Service) underPressure(metrics *SystemMetrics) bool {
	return metrics.Backlog() >= s.config.DegradeQueueDepth ||
		metrics.MemoryPercent >= s.config.DegradeMemoryPercent
}

// withinRestoreBand reports whether every signal is at or below its
// restore threshold. An open breaker keeps every domain where it is.
func (s *Service) withinRestoreBand(metrics *SystemMetrics) bool {
	return metrics.Backlog() <= s.config.RestoreQueueDepth &&
		metrics.MemoryPercent <= s.config.RestoreMemoryPercent &&
		metrics.OpenBreakers == 0
}

// applyDegrade steps every managed domain down one level
func (s *Service) applyDegrade(ctx context.Context, metrics *SystemMetrics) {
	controller := s.resilience.Degradation()

	var changed []string
	for _, domain := range s.config.Domains {
		before := controller.CurrentLevel(domain)
		if after := controller.Degrade(domain); after != before {
			changed = append(changed, domain)
		}
	}
	if len(changed) == 0 {
		return
	}

	reason := s.pressureReason(metrics)
	s.logger.Warn("Resource pressure, degrading generation domains",
		"domains", strings.Join(changed, ","),
		"reason", reason,
	)
	s.recordEvent(ctx, &DegradationEvent{
		Action:        ActionDegrade,
		Domains:       changed,
		Reason:        reason,
		QueueBacklog:  metrics.Backlog(),
		MemoryPercent: metrics.MemoryPercent,
		OpenBreakers:  metrics.OpenBreakers,
		Timestamp:     time.Now(),
	})
}

// applyRestore returns every degraded managed domain to full capability
func (s *Service) applyRestore(ctx context.Context, metrics *SystemMetrics) {
	controller := s.resilience.Degradation()

	var restored []string
	for _, domain := range s.config.Domains {
		if controller.CurrentLevel(domain) == resilience.LevelFull {
			continue
		}
		controller.Restore(domain)
		restored = append(restored, domain)
	}
	if len(restored) == 0 {
		return
	}
	s.healthyStreak = 0

	s.logger.Info("Sustained healthy load, restoring generation domains",
		"domains", strings.Join(restored, ","),
		"intervals", s.config.RestoreHealthyIntervals,
	)
	s.recordEvent(ctx, &DegradationEvent{
		Action:        ActionRestore,
		Domains:       restored,
		Reason:        "sustained healthy resource levels",
		QueueBacklog:  metrics.Backlog(),
		MemoryPercent: metrics.MemoryPercent,
		OpenBreakers:  metrics.OpenBreakers,
		Timestamp:     time.Now(),
	})
}

// pressureReason names the threshold behind a degrade decision
func (s *Service) pressureReason(metrics *SystemMetrics) string {
	if metrics.Backlog() >= s.config.DegradeQueueDepth {
		return fmt.Sprintf("queue backlog %d at or above %d", metrics.Backlog(), s.config.DegradeQueueDepth)
	}
	if metrics.MemoryPercent >= s.config.DegradeMemoryPercent {
		return fmt.Sprintf("memory usage %.1f%% at or above %.1f%%", metrics.MemoryPercent, s.config.DegradeMemoryPercent)
	}
	return "resource threshold exceeded"
}

// recordEvent stores the event for the ops API. Recording is
// best-effort, a cache failure never blocks the driver.
func (s *Service) recordEvent(ctx context.Context, event *DegradationEvent) {
	if s.cache == nil {
		return
	}

	key := cache.CacheKey{Prefix: "degradation_event", ID: event.Timestamp.Format("20060102150405")}
	if err := s.cache.Set(ctx, key, event, s.config.EventRetention); err != nil {
		s.logger.Warn("Failed to record degradation event", "error", err.Error())
	}
}

// GetResourceAlerts returns current resource alerts
func (s *Service) GetResourceAlerts() []ResourceAlert {
	metrics := s.GetMetrics()
	now := time.Now()
	var alerts []ResourceAlert

	if metrics.MemoryPercent >= s.config.DegradeMemoryPercent {
		alerts = append(alerts, ResourceAlert{
			Type:      "memory",
			Level:     AlertLevelWarning,
			Message:   "High memory usage detected",
			Value:     metrics.MemoryPercent,
			Threshold: s.config.DegradeMemoryPercent,
			Timestamp: now,
		})
	}

	if metrics.Backlog() >= s.config.DegradeQueueDepth {
		alerts = append(alerts, ResourceAlert{
			Type:      "queue",
			Level:     AlertLevelCritical,
			Message:   "Generation queue backlog above threshold",
			Value:     float64(metrics.Backlog()),
			Threshold: float64(s.config.DegradeQueueDepth),
			Timestamp: now,
		})
	}

	if metrics.DeadLetterJobs > 0 {
		alerts = append(alerts, ResourceAlert{
			Type:      "dead_letter",
			Level:     AlertLevelWarning,
			Message:   "Jobs parked in the dead letter queue",
			Value:     float64(metrics.DeadLetterJobs),
			Threshold: 0,
			Timestamp: now,
		})
	}

	if metrics.OpenBreakers > 0 {
		alerts = append(alerts, ResourceAlert{
			Type:      "circuit_breakers",
			Level:     AlertLevelWarning,
			Message:   "Open circuit breakers are rejecting generation calls",
			Value:     float64(metrics.OpenBreakers),
			Threshold: 0,
			Timestamp: now,
		})
	}

	if metrics.TotalEngines > 0 && metrics.HealthyEngines == 0 {
		alerts = append(alerts, ResourceAlert{
			Type:      "engines",
			Level:     AlertLevelCritical,
			Message:   "No healthy generation engines available",
			Value:     float64(metrics.HealthyEngines),
			Threshold: 1,
			Timestamp: now,
		})
	}

	return alerts
}

// SystemMetrics is one sample of process and platform load
type SystemMetrics struct {
	Timestamp        time.Time                              `json:"timestamp"`
	MemoryPercent    float64                                `json:"memory_percent"`
	HeapAllocMB      float64                                `json:"heap_alloc_mb"`
	GoroutineCount   int                                    `json:"goroutine_count"`
	GCPauseTotal     time.Duration                          `json:"gc_pause_total"`
	RedisConnections int64                                  `json:"redis_connections"`
	RedisIdleConns   int64                                  `json:"redis_idle_conns"`
	RedisStaleConns  int64                                  `json:"redis_stale_conns"`
	QueuedJobs       int64                                  `json:"queued_jobs"`
	RunningJobs      int64                                  `json:"running_jobs"`
	RetryingJobs     int64                                  `json:"retrying_jobs"`
	DeadLetterJobs   int64                                  `json:"dead_letter_jobs"`
	TotalEngines     int                                    `json:"total_engines"`
	HealthyEngines   int                                    `json:"healthy_engines"`
	OpenBreakers     int                                    `json:"open_breakers"`
	Degradation      map[string]resilience.DegradationLevel `json:"degradation"`
}

// Backlog returns the number of jobs waiting to run: queued plus
// scheduled retries
func (m *SystemMetrics) Backlog() int64 {
	return m.QueuedJobs + m.RetryingJobs
}

// DegradationEvent is the audit record written when the driver moves
// domains in either direction
type DegradationEvent struct {
	Action        DegradationAction `json:"action"`
	Domains       []string          `json:"domains"`
	Reason        string            `json:"reason"`
	QueueBacklog  int64             `json:"queue_backlog"`
	MemoryPercent float64           `json:"memory_percent"`
	OpenBreakers  int               `json:"open_breakers"`
	Timestamp     time.Time         `json:"timestamp"`
}

// DegradationAction represents the direction of a driver decision
type DegradationAction string

const (
	ActionDegrade DegradationAction = "degrade"
	ActionRestore DegradationAction = "restore"
)

// ResourceAlert represents a resource usage alert
type ResourceAlert struct {
	Type      string     `json:"type"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}

// AlertLevel represents the severity level of an alert
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

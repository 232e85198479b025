package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
)

// EngineManager manages generation engines and their health state
type EngineManager struct {
	engines   map[string]engine.Engine
	configs   map[string]engine.EngineConfig
	health    map[string]EngineHealth
	mu        sync.RWMutex
	startTime time.Time
}

// EngineHealth tracks the health state of a registered engine
type EngineHealth struct {
	Status       EngineStatus `json:"status"`
	LastCheck    time.Time    `json:"last_check"`
	LastError    string       `json:"last_error,omitempty"`
	CheckCount   int64        `json:"check_count"`
	FailureCount int64        `json:"failure_count"`
	LatencyMS    int64        `json:"latency_ms"`
}

// EngineStatus represents the health status of an engine
type EngineStatus string

const (
	EngineStatusHealthy   EngineStatus = "healthy"
	EngineStatusUnhealthy EngineStatus = "unhealthy"
	EngineStatusUnknown   EngineStatus = "unknown"
)

// EngineManagerStats contains statistics about managed engines
type EngineManagerStats struct {
	TotalEngines     int                    `json:"total_engines"`
	HealthyEngines   int                    `json:"healthy_engines"`
	UnhealthyEngines int                    `json:"unhealthy_engines"`
	UnknownEngines   int                    `json:"unknown_engines"`
	Uptime           time.Duration          `json:"uptime"`
	Engines          map[string]EngineStats `json:"engines"`
}

// EngineStats contains statistics for a single engine
type EngineStats struct {
	Name           string             `json:"name"`
	Status         EngineStatus       `json:"status"`
	LastCheck      time.Time          `json:"last_check"`
	CheckCount     int64              `json:"check_count"`
	FailureCount   int64              `json:"failure_count"`
	LastError      string             `json:"last_error,omitempty"`
	SupportedTypes []engine.MediaType `json:"supported_types"`
	Endpoint       string             `json:"endpoint"`
	MaxConcurrent  int                `json:"max_concurrent"`
}

// NewEngineManager creates a new engine manager
func NewEngineManager() *EngineManager {
	return &EngineManager{
		engines:   make(map[string]engine.Engine),
		configs:   make(map[string]engine.EngineConfig),
		health:    make(map[string]EngineHealth),
		startTime: time.Now(),
	}
}

// RegisterEngine registers a generation engine with the manager
func (em *EngineManager) RegisterEngine(engineName string, eng engine.Engine) error {
	if engineName == "" {
		return errors.NewValidationError("engine name cannot be empty")
	}
	if eng == nil {
		return errors.NewValidationError("engine implementation cannot be nil")
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	if _, exists := em.engines[engineName]; exists {
		return errors.NewValidationError(fmt.Sprintf("engine %s is already registered", engineName))
	}

	em.engines[engineName] = eng
	em.configs[engineName] = eng.GetConfig()
	em.health[engineName] = EngineHealth{
		Status:    EngineStatusUnknown,
		LastCheck: time.Time{},
	}

	return nil
}

// UnregisterEngine removes an engine from the manager
func (em *EngineManager) UnregisterEngine(engineName string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if _, exists := em.engines[engineName]; !exists {
		return errors.NewNotFoundError("engine")
	}

	delete(em.engines, engineName)
	delete(em.configs, engineName)
	delete(em.health, engineName)

	return nil
}

// GetEngine retrieves a registered engine by name
func (em *EngineManager) GetEngine(engineName string) (engine.Engine, error) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	eng, exists := em.engines[engineName]
	if !exists {
		return nil, errors.NewNotFoundError("engine")
	}

	return eng, nil
}

// ListEngines returns the names of all registered engines
func (em *EngineManager) ListEngines() []string {
	em.mu.RLock()
	defer em.mu.RUnlock()

	names := make([]string, 0, len(em.engines))
	for name := range em.engines {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// GetEngineConfig retrieves the configuration of a registered engine
func (em *EngineManager) GetEngineConfig(engineName string) (engine.EngineConfig, error) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	config, exists := em.configs[engineName]
	if !exists {
		return engine.EngineConfig{}, errors.NewNotFoundError("engine")
	}

	return config, nil
}

// GetEngineHealth retrieves the health state of a registered engine
func (em *EngineManager) GetEngineHealth(engineName string) (EngineHealth, error) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	health, exists := em.health[engineName]
	if !exists {
		return EngineHealth{}, errors.NewNotFoundError("engine")
	}

	return health, nil
}

// GetEngineVersion queries a registered engine for its version information
func (em *EngineManager) GetEngineVersion(engineName string) (engine.VersionInfo, error) {
	em.mu.RLock()
	eng, exists := em.engines[engineName]
	em.mu.RUnlock()

	if !exists {
		return engine.VersionInfo{}, errors.NewNotFoundError("engine")
	}

	return eng.GetVersion(), nil
}

// HealthCheck probes a single engine and updates its health bookkeeping
func (em *EngineManager) HealthCheck(ctx context.Context, engineName string) error {
	em.mu.RLock()
	eng, exists := em.engines[engineName]
	em.mu.RUnlock()

	if !exists {
		return errors.NewNotFoundError("engine")
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	err := eng.HealthCheck(checkCtx)
	latency := time.Since(start)

	em.mu.Lock()
	defer em.mu.Unlock()

	health := em.health[engineName]
	health.LastCheck = time.Now()
	health.CheckCount++
	health.LatencyMS = latency.Milliseconds()

	if err != nil {
		health.Status = EngineStatusUnhealthy
		health.FailureCount++
		health.LastError = err.Error()
	} else {
		health.Status = EngineStatusHealthy
		health.LastError = ""
	}

	em.health[engineName] = health

	return err
}

// HealthCheckAll probes every registered engine and returns the last error encountered
func (em *EngineManager) HealthCheckAll(ctx context.Context) error {
	var lastErr error
	for _, name := range em.ListEngines() {
		if err := em.HealthCheck(ctx, name); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Generate runs a generation request on the named engine.
// Engine errors flow back unwrapped; classification depends on the engine's typed errors.
func (em *EngineManager) Generate(ctx context.Context, engineName string, req engine.GenerationRequest) (*engine.GenerationResult, error) {
	em.mu.RLock()
	eng, exists := em.engines[engineName]
	em.mu.RUnlock()

	if !exists {
		return nil, errors.NewNotFoundError("engine")
	}

	result, err := eng.Generate(ctx, req)
	if err != nil {
		em.recordFailure(engineName, err)
		return nil, err
	}

	return result, nil
}

func (em *EngineManager) recordFailure(engineName string, err error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	health := em.health[engineName]
	health.FailureCount++
	health.LastError = err.Error()
	em.health[engineName] = health
}

// EnginesForMediaType returns the names of engines that can produce the given media type
func (em *EngineManager) EnginesForMediaType(mediaType engine.MediaType) []string {
	em.mu.RLock()
	defer em.mu.RUnlock()

	var names []string
	for name, config := range em.configs {
		if config.Supports(mediaType) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names
}

// HealthSnapshot returns a copy of the current health state of all engines
func (em *EngineManager) HealthSnapshot() map[string]EngineHealth {
	em.mu.RLock()
	defer em.mu.RUnlock()

	snapshot := make(map[string]EngineHealth, len(em.health))
	for name, health := range em.health {
		snapshot[name] = health
	}

	return snapshot
}

// Health reports whether the manager has at least one healthy engine
func (em *EngineManager) Health() error {
	em.mu.RLock()
	defer em.mu.RUnlock()

	if len(em.engines) == 0 {
		return errors.NewInternalError("no engines registered")
	}

	healthy := 0
	for _, health := range em.health {
		if health.Status == EngineStatusHealthy {
			healthy++
		}
	}
	if healthy == 0 {
		return errors.NewInternalError("no healthy engines available")
	}

	return nil
}

// GetStats returns statistics about all managed engines
func (em *EngineManager) GetStats() EngineManagerStats {
	em.mu.RLock()
	defer em.mu.RUnlock()

	stats := EngineManagerStats{
		TotalEngines: len(em.engines),
		Uptime:       time.Since(em.startTime),
		Engines:      make(map[string]EngineStats),
	}

	for name, health := range em.health {
		config := em.configs[name]

		switch health.Status {
		case EngineStatusHealthy:
			stats.HealthyEngines++
		case EngineStatusUnhealthy:
			stats.UnhealthyEngines++
		default:
			stats.UnknownEngines++
		}

		stats.Engines[name] = EngineStats{
			Name:           name,
			Status:         health.Status,
			LastCheck:      health.LastCheck,
			CheckCount:     health.CheckCount,
			FailureCount:   health.FailureCount,
			LastError:      health.LastError,
			SupportedTypes: config.SupportedTypes,
			Endpoint:       config.Endpoint,
			MaxConcurrent:  config.MaxConcurrent,
		}
	}

	return stats
}

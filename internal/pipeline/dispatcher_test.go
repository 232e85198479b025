package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/resilience"
)

// scriptedEngine fails with queued errors before succeeding, so tests can
// drive retries and fallbacks deterministically
type scriptedEngine struct {
	name      string
	config    engine.EngineConfig
	healthErr error

	mu       sync.Mutex
	failures []error
	calls    int
	lastReq  engine.GenerationRequest
}

func newScriptedEngine(name string, types ...engine.MediaType) *scriptedEngine {
	return &scriptedEngine{
		name: name,
		config: engine.EngineConfig{
			Name:           name,
			Version:        "1.0.0",
			Endpoint:       "http://localhost:8188",
			SupportedTypes: types,
			MaxConcurrent:  2,
		},
	}
}

func (e *scriptedEngine) failWith(errs ...error) *scriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
	return e
}

func (e *scriptedEngine) Generate(ctx context.Context, req engine.GenerationRequest) (*engine.GenerationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.lastReq = req

	if len(e.failures) > 0 {
		err := e.failures[0]
		e.failures = e.failures[1:]
		return nil, err
	}

	return &engine.GenerationResult{
		EngineID: e.name,
		Status:   engine.GenerationStatusCompleted,
		Artifacts: []engine.Artifact{
			{ID: e.name + "-art-1", MediaType: req.MediaType, Path: "/outputs/" + e.name + "-art-1.png", SizeBytes: 2048},
		},
		Metadata: engine.Metadata{ModelName: "test-model", Seed: req.Seed},
		Duration: 5 * time.Millisecond,
	}, nil
}

func (e *scriptedEngine) HealthCheck(ctx context.Context) error {
	return e.healthErr
}

func (e *scriptedEngine) GetConfig() engine.EngineConfig {
	return e.config
}

func (e *scriptedEngine) GetVersion() engine.VersionInfo {
	return engine.VersionInfo{EngineVersion: "1.0.0"}
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *scriptedEngine) lastRequest() engine.GenerationRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReq
}

// fakeGenerationStore is an in-memory cache.GenerationStore
type fakeGenerationStore struct {
	mu        sync.Mutex
	results   map[string]*engine.GenerationResult
	statuses  map[string]engine.GenerationStatus
	artifacts map[string][]engine.Artifact
	progress  map[string]*cache.GenerationProgress
	stories   map[string]*cache.StoryMetadata
	models    map[string]*cache.ModelState
	healths   map[string]*cache.EngineHealth
	flushed   []string
}

func newFakeGenerationStore() *fakeGenerationStore {
	return &fakeGenerationStore{
		results:   make(map[string]*engine.GenerationResult),
		statuses:  make(map[string]engine.GenerationStatus),
		artifacts: make(map[string][]engine.Artifact),
		progress:  make(map[string]*cache.GenerationProgress),
		stories:   make(map[string]*cache.StoryMetadata),
		models:    make(map[string]*cache.ModelState),
		healths:   make(map[string]*cache.EngineHealth),
	}
}

func (f *fakeGenerationStore) SetResult(ctx context.Context, jobID string, result *engine.GenerationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = result
	return nil
}

func (f *fakeGenerationStore) GetResult(ctx context.Context, jobID string) (*engine.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.results[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("cache key")
	}
	return result, nil
}

func (f *fakeGenerationStore) SetStatus(ctx context.Context, jobID string, status engine.GenerationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = status
	return nil
}

func (f *fakeGenerationStore) GetStatus(ctx context.Context, jobID string) (engine.GenerationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[jobID]
	if !ok {
		return "", errors.NewNotFoundError("cache key")
	}
	return status, nil
}

func (f *fakeGenerationStore) SetArtifacts(ctx context.Context, jobID string, artifacts []engine.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[jobID] = artifacts
	return nil
}

func (f *fakeGenerationStore) GetArtifacts(ctx context.Context, jobID string) ([]engine.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifacts, ok := f.artifacts[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("cache key")
	}
	return artifacts, nil
}

func (f *fakeGenerationStore) SetProgress(ctx context.Context, jobID string, progress *cache.GenerationProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[jobID] = progress
	return nil
}

func (f *fakeGenerationStore) GetProgress(ctx context.Context, jobID string) (*cache.GenerationProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress, ok := f.progress[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("cache key")
	}
	return progress, nil
}

func (f *fakeGenerationStore) SetStoryMetadata(ctx context.Context, storyID string, metadata *cache.StoryMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stories[storyID] = metadata
	return nil
}

func (f *fakeGenerationStore) GetStoryMetadata(ctx context.Context, storyID string) (*cache.StoryMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	metadata, ok := f.stories[storyID]
	if !ok {
		return nil, errors.NewNotFoundError("cache key")
	}
	return metadata, nil
}

func (f *fakeGenerationStore) SetModelState(ctx context.Context, engineName string, state *cache.ModelState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[engineName] = state
	return nil
}

func (f *fakeGenerationStore) GetModelState(ctx context.Context, engineName string) (*cache.ModelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.models[engineName]
	if !ok {
		return nil, errors.NewNotFoundError("cache key")
	}
	return state, nil
}

func (f *fakeGenerationStore) FlushModelState(ctx context.Context, engineName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.models, engineName)
	f.flushed = append(f.flushed, engineName)
	return nil
}

func (f *fakeGenerationStore) SetEngineHealth(ctx context.Context, engineName string, health *cache.EngineHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healths[engineName] = health
	return nil
}

func (f *fakeGenerationStore) GetEngineHealth(ctx context.Context, engineName string) (*cache.EngineHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	health, ok := f.healths[engineName]
	if !ok {
		return nil, errors.NewNotFoundError("cache key")
	}
	return health, nil
}

func (f *fakeGenerationStore) InvalidateGeneration(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.results, jobID)
	delete(f.statuses, jobID)
	delete(f.artifacts, jobID)
	delete(f.progress, jobID)
	return nil
}

func (f *fakeGenerationStore) InvalidateStory(ctx context.Context, storyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stories, storyID)
	return nil
}

func (f *fakeGenerationStore) InvalidateEngine(ctx context.Context, engineName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.models, engineName)
	delete(f.healths, engineName)
	return nil
}

func (f *fakeGenerationStore) flushedEngines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.flushed...)
}

// fakeStatsStore is an in-memory cache.StatsStore
type fakeStatsStore struct {
	mu          sync.Mutex
	generations map[string]int64
	failures    map[string]int64
	durations   map[string][]time.Duration
	enginePerf  map[string]*cache.EnginePerformanceMetrics
	system      *cache.SystemMetrics
}

func newFakeStatsStore() *fakeStatsStore {
	return &fakeStatsStore{
		generations: make(map[string]int64),
		failures:    make(map[string]int64),
		durations:   make(map[string][]time.Duration),
		enginePerf:  make(map[string]*cache.EnginePerformanceMetrics),
	}
}

func (f *fakeStatsStore) IncrementGenerationCount(ctx context.Context, storyID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generations[storyID]++
	return f.generations[storyID], nil
}

func (f *fakeStatsStore) IncrementFailureCount(ctx context.Context, engineName, category string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := engineName + "/" + category
	f.failures[key]++
	return f.failures[key], nil
}

func (f *fakeStatsStore) RecordGenerationDuration(ctx context.Context, engineName string, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[engineName] = append(f.durations[engineName], duration)
	return nil
}

func (f *fakeStatsStore) GetAverageGenerationDuration(ctx context.Context, engineName string, hours int) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recorded := f.durations[engineName]
	if len(recorded) == 0 {
		return 0, nil
	}
	var total time.Duration
	for _, d := range recorded {
		total += d
	}
	return total / time.Duration(len(recorded)), nil
}

func (f *fakeStatsStore) SetEnginePerformance(ctx context.Context, engineName string, metrics *cache.EnginePerformanceMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enginePerf[engineName] = metrics
	return nil
}

func (f *fakeStatsStore) GetEnginePerformance(ctx context.Context, engineName string) (*cache.EnginePerformanceMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	metrics, ok := f.enginePerf[engineName]
	if !ok {
		return nil, errors.NewNotFoundError("cache key")
	}
	return metrics, nil
}

func (f *fakeStatsStore) SetSystemMetrics(ctx context.Context, metrics *cache.SystemMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = metrics
	return nil
}

func (f *fakeStatsStore) GetSystemMetrics(ctx context.Context) (*cache.SystemMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.system == nil {
		return nil, errors.NewNotFoundError("cache key")
	}
	return f.system, nil
}

func (f *fakeStatsStore) generationCount(storyID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generations[storyID]
}

func (f *fakeStatsStore) failureCount(engineName, category string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[engineName+"/"+category]
}

func (f *fakeStatsStore) recordedDurations(engineName string) []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.durations[engineName]...)
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	engines    *EngineManager
	manager    *resilience.Manager
	store      *fakeGenerationStore
	stats      *fakeStatsStore
}

func newDispatcherFixture(tb testing.TB) *dispatcherFixture {
	tb.Helper()
	engines := NewEngineManager()
	manager := resilience.NewManager(resilience.ManagerConfig{}, nil)
	store := newFakeGenerationStore()
	stats := newFakeStatsStore()
	return &dispatcherFixture{
		dispatcher: NewDispatcher(engines, manager, store, stats),
		engines:    engines,
		manager:    manager,
		store:      store,
		stats:      stats,
	}
}

func fastRetryPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Strategy:    resilience.BackoffFixed,
	}
}

func testBreakerConfig(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 10,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 1,
	}
}

func imageJob(extra map[string]interface{}) *queue.Job {
	payload := map[string]interface{}{
		"story_id": "story-1",
		"prompt":   "a lighthouse at dusk",
	}
	for k, v := range extra {
		payload[k] = v
	}
	return queue.NewJob(queue.JobTypeImage, queue.PriorityMedium, payload)
}

func TestMediaTypeForJobType(t *testing.T) {
	tests := []struct {
		jobType   string
		mediaType engine.MediaType
		ok        bool
	}{
		{queue.JobTypeStory, engine.MediaTypeText, true},
		{queue.JobTypeStoryboard, engine.MediaTypeText, true},
		{queue.JobTypeImage, engine.MediaTypeImage, true},
		{queue.JobTypeVideo, engine.MediaTypeVideo, true},
		{queue.JobTypeAssembly, engine.MediaTypeVideo, true},
		{queue.JobTypeTTS, engine.MediaTypeTTS, true},
		{"unknown", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.jobType, func(t *testing.T) {
			mediaType, ok := MediaTypeForJobType(tt.jobType)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.mediaType, mediaType)
		})
	}
}

func TestDispatcher_RegisterMediaPolicy_Validation(t *testing.T) {
	f := newDispatcherFixture(t)
	require.NoError(t, f.engines.RegisterEngine("img", newScriptedEngine("img", engine.MediaTypeImage)))

	tests := []struct {
		name        string
		mediaType   engine.MediaType
		engineNames []string
	}{
		{name: "no engines", mediaType: engine.MediaTypeImage, engineNames: nil},
		{name: "unregistered engine", mediaType: engine.MediaTypeImage, engineNames: []string{"missing"}},
		{name: "wrong media type", mediaType: engine.MediaTypeVideo, engineNames: []string{"img"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.dispatcher.RegisterMediaPolicy(tt.mediaType, tt.engineNames, testBreakerConfig("test-breaker"), fastRetryPolicy(1))
			assert.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestDispatcher_CanHandle(t *testing.T) {
	f := newDispatcherFixture(t)
	require.NoError(t, f.engines.RegisterEngine("img", newScriptedEngine("img", engine.MediaTypeImage)))

	assert.False(t, f.dispatcher.CanHandle(queue.JobTypeImage))

	err := f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img"}, testBreakerConfig("image-breaker"), fastRetryPolicy(2))
	require.NoError(t, err)

	assert.True(t, f.dispatcher.CanHandle(queue.JobTypeImage))
	assert.False(t, f.dispatcher.CanHandle(queue.JobTypeVideo))
	assert.False(t, f.dispatcher.CanHandle("unknown_type"))
}

func TestDispatcher_Handle_Success(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary"}, testBreakerConfig("image-breaker"), fastRetryPolicy(2)))

	job := imageJob(nil)
	result, err := f.dispatcher.Handle(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.Equal(t, "img-primary", result.Result["engine"])
	assert.Equal(t, 1, result.Result["artifact_count"])
	assert.Equal(t, 1, eng.callCount())

	status, err := f.store.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.GenerationStatusCompleted, status)

	cached, err := f.store.GetResult(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "img-primary", cached.EngineID)

	progress, err := f.store.GetProgress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.GenerationStatusCompleted, progress.Status)
	assert.Equal(t, 1, progress.CompletedStages)
	assert.NotNil(t, progress.CompletedAt)

	assert.Equal(t, int64(1), f.stats.generationCount("story-1"))
	assert.Len(t, f.stats.recordedDurations("img-primary"), 1)
}

func TestDispatcher_Handle_RetryThenSuccess(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	eng.failWith(errors.NewInferenceError("sampler produced NaN tensor"))
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary"}, testBreakerConfig("image-breaker"), fastRetryPolicy(3)))

	result, err := f.dispatcher.Handle(context.Background(), imageJob(nil))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, eng.callCount())
}

func TestDispatcher_Handle_FallbackEngine(t *testing.T) {
	f := newDispatcherFixture(t)
	primary := newScriptedEngine("img-primary", engine.MediaTypeImage)
	primary.failWith(
		errors.NewInferenceError("generation failed"),
		errors.NewInferenceError("generation failed"),
	)
	backup := newScriptedEngine("img-backup", engine.MediaTypeImage)
	require.NoError(t, f.engines.RegisterEngine("img-primary", primary))
	require.NoError(t, f.engines.RegisterEngine("img-backup", backup))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary", "img-backup"}, testBreakerConfig("image-breaker"), fastRetryPolicy(2)))

	job := imageJob(nil)
	result, err := f.dispatcher.Handle(context.Background(), job)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "img-backup", result.Result["engine"])
	assert.Equal(t, 2, primary.callCount())
	assert.Equal(t, 1, backup.callCount())

	status, err := f.store.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.GenerationStatusCompleted, status)
}

func TestDispatcher_Handle_AllEnginesFail(t *testing.T) {
	f := newDispatcherFixture(t)
	primary := newScriptedEngine("img-primary", engine.MediaTypeImage)
	primary.failWith(
		errors.NewInferenceError("generation failed"),
		errors.NewInferenceError("generation failed"),
	)
	backup := newScriptedEngine("img-backup", engine.MediaTypeImage)
	backup.failWith(errors.NewInferenceError("generation failed"))
	require.NoError(t, f.engines.RegisterEngine("img-primary", primary))
	require.NoError(t, f.engines.RegisterEngine("img-backup", backup))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary", "img-backup"}, testBreakerConfig("image-breaker"), fastRetryPolicy(2)))

	job := imageJob(nil)
	result, err := f.dispatcher.Handle(context.Background(), job)
	assert.Error(t, err)
	assert.Nil(t, result)

	status, serr := f.store.GetStatus(context.Background(), job.ID)
	require.NoError(t, serr)
	assert.Equal(t, engine.GenerationStatusFailed, status)

	progress, perr := f.store.GetProgress(context.Background(), job.ID)
	require.NoError(t, perr)
	assert.Equal(t, 1, progress.FailedStages)
	assert.Equal(t, engine.GenerationStatusFailed, progress.Status)

	assert.Equal(t, int64(1), f.stats.failureCount("img-primary", "INFERENCE"))
}

func TestDispatcher_Handle_InvalidPayload(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary"}, testBreakerConfig("image-breaker"), fastRetryPolicy(2)))

	job := queue.NewJob(queue.JobTypeImage, queue.PriorityMedium, map[string]interface{}{
		"story_id": "story-1",
	})

	_, err := f.dispatcher.Handle(context.Background(), job)
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Zero(t, eng.callCount())
}

func TestDispatcher_Handle_NoPolicy(t *testing.T) {
	f := newDispatcherFixture(t)

	_, err := f.dispatcher.Handle(context.Background(), imageJob(nil))
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))

	job := queue.NewJob("mystery_type", queue.PriorityLow, map[string]interface{}{})
	_, err = f.dispatcher.Handle(context.Background(), job)
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestDispatcher_Handle_PayloadRequestMapping(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary"}, testBreakerConfig("image-breaker"), fastRetryPolicy(1)))

	job := imageJob(map[string]interface{}{
		"scene_id":        "scene-9",
		"negative_prompt": "blurry, low quality",
		"reference_image": "/refs/style.png",
		"seed":            float64(1234),
		"parameters": map[string]interface{}{
			"inference_steps": 30.0,
		},
		"options": map[string]interface{}{
			"sampler": "euler_a",
		},
	})

	_, err := f.dispatcher.Handle(context.Background(), job)
	require.NoError(t, err)

	req := eng.lastRequest()
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, "story-1", req.StoryID)
	assert.Equal(t, "scene-9", req.SceneID)
	assert.Equal(t, engine.MediaTypeImage, req.MediaType)
	assert.Equal(t, "a lighthouse at dusk", req.Prompt)
	assert.Equal(t, "blurry, low quality", req.NegativePrompt)
	assert.Equal(t, "/refs/style.png", req.ReferenceImage)
	assert.Equal(t, int64(1234), req.Seed)
	assert.InDelta(t, 30.0, req.Parameters["inference_steps"], 1e-9)
	assert.Equal(t, "euler_a", req.Options["sampler"])
}

func TestDispatcher_Handle_DegradedParameters(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary"}, testBreakerConfig("image-breaker"), fastRetryPolicy(1)))

	// FULL drops to HIGH, which scales quality parameters by 0.8.
	f.manager.Degradation().Degrade("image")

	job := imageJob(map[string]interface{}{
		"parameters": map[string]interface{}{
			"resolution_scale": 1.0,
			"style_weight":     0.7,
		},
	})

	_, err := f.dispatcher.Handle(context.Background(), job)
	require.NoError(t, err)

	req := eng.lastRequest()
	assert.InDelta(t, 0.8, req.Parameters["resolution_scale"], 1e-9)
	assert.InDelta(t, 0.7, req.Parameters["style_weight"], 1e-9)
}

func TestDispatcher_BreakerOpenDegradesDomain(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	eng.failWith(
		errors.NewInferenceError("generation failed"),
		errors.NewInferenceError("generation failed"),
		errors.NewInferenceError("generation failed"),
	)
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))

	breaker := resilience.CircuitBreakerConfig{
		Name:             "image-breaker",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	}
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary"}, breaker, fastRetryPolicy(3)))

	_, err := f.dispatcher.Handle(context.Background(), imageJob(nil))
	require.Error(t, err)

	assert.Equal(t, resilience.LevelHigh, f.manager.Degradation().CurrentLevel("image"))
}

func TestDispatcher_RecoveryModelLoading(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	eng.failWith(errors.NewModelLoadingError("sdxl-base", "failed to load checkpoint sdxl-base.safetensors"))
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeImage, []string{"img-primary"}, testBreakerConfig("image-breaker"), fastRetryPolicy(1)))
	f.dispatcher.RegisterRecoveryProcedures(RecoveryConfig{NetworkProbeDelay: time.Millisecond, CooldownPeriod: time.Millisecond})

	require.NoError(t, f.store.SetModelState(context.Background(), "img-primary", &cache.ModelState{
		EngineName: "img-primary",
		ModelName:  "sdxl-base",
	}))

	_, err := f.dispatcher.Handle(context.Background(), imageJob(nil))
	require.Error(t, err)

	assert.Contains(t, f.store.flushedEngines(), "img-primary")
	_, err = f.store.GetModelState(context.Background(), "img-primary")
	assert.True(t, errors.IsNotFound(err))
}

func TestDispatcher_RecoveryResourceExhaustion(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("vid-primary", engine.MediaTypeVideo)
	eng.failWith(errors.NewResourceExhaustedError("vram", "CUDA out of memory"))
	require.NoError(t, f.engines.RegisterEngine("vid-primary", eng))
	require.NoError(t, f.dispatcher.RegisterMediaPolicy(engine.MediaTypeVideo, []string{"vid-primary"}, testBreakerConfig("video-breaker"), fastRetryPolicy(1)))
	f.dispatcher.RegisterRecoveryProcedures(RecoveryConfig{NetworkProbeDelay: time.Millisecond, CooldownPeriod: time.Millisecond})

	job := queue.NewJob(queue.JobTypeVideo, queue.PriorityMedium, map[string]interface{}{
		"story_id": "story-1",
		"prompt":   "storm rolling in over the harbor",
	})

	_, err := f.dispatcher.Handle(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, resilience.LevelHigh, f.manager.Degradation().CurrentLevel("video"))
}

func TestDispatcher_RecoverNetwork(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))

	proc := f.dispatcher.recoverNetwork(time.Millisecond)
	record := resilience.ErrorRecord{
		Category:  resilience.CategoryNetwork,
		Operation: "generate_image/img-primary",
	}

	require.NoError(t, proc(context.Background(), record))

	health, err := f.engines.GetEngineHealth("img-primary")
	require.NoError(t, err)
	assert.Equal(t, EngineStatusHealthy, health.Status)
}

func TestDispatcher_RecoverNetwork_AllEnginesDown(t *testing.T) {
	f := newDispatcherFixture(t)
	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	eng.healthErr = fmt.Errorf("dial tcp 127.0.0.1:8188: connection refused")
	require.NoError(t, f.engines.RegisterEngine("img-primary", eng))

	proc := f.dispatcher.recoverNetwork(time.Millisecond)
	err := proc(context.Background(), resilience.ErrorRecord{Operation: "generate_image/img-primary"})
	assert.Error(t, err)
}

func TestOperationStringHelpers(t *testing.T) {
	assert.Equal(t, "comfyui-sdxl", engineFromOperation("generate_image/comfyui-sdxl"))
	assert.Equal(t, "", engineFromOperation("generate_image"))

	assert.Equal(t, "image", domainFromOperation("generate_image/comfyui-sdxl"))
	assert.Equal(t, "story", domainFromOperation("generate_story/llama-writer"))
	assert.Equal(t, "general", domainFromOperation("odd-operation"))
}

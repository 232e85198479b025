package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
)

// MockEngine is a mock implementation of engine.Engine
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Generate(ctx context.Context, req engine.GenerationRequest) (*engine.GenerationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.GenerationResult), args.Error(1)
}

func (m *MockEngine) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockEngine) GetConfig() engine.EngineConfig {
	args := m.Called()
	return args.Get(0).(engine.EngineConfig)
}

func (m *MockEngine) GetVersion() engine.VersionInfo {
	args := m.Called()
	return args.Get(0).(engine.VersionInfo)
}

func testEngineConfig(name string, types ...engine.MediaType) engine.EngineConfig {
	return engine.EngineConfig{
		Name:           name,
		Version:        "1.0.0",
		Endpoint:       "http://localhost:8188",
		SupportedTypes: types,
		DefaultTimeout: 5 * time.Minute,
		MaxConcurrent:  2,
	}
}

func registeredMockEngine(tb testing.TB, em *EngineManager, name string, types ...engine.MediaType) *MockEngine {
	tb.Helper()
	mockEng := &MockEngine{}
	mockEng.On("GetConfig").Return(testEngineConfig(name, types...))
	require.NoError(tb, em.RegisterEngine(name, mockEng))
	return mockEng
}

func TestNewEngineManager(t *testing.T) {
	em := NewEngineManager()

	assert.NotNil(t, em)
	assert.Empty(t, em.ListEngines())

	stats := em.GetStats()
	assert.Equal(t, 0, stats.TotalEngines)
}

func TestEngineManager_RegisterEngine(t *testing.T) {
	em := NewEngineManager()
	mockEng := &MockEngine{}
	mockEng.On("GetConfig").Return(testEngineConfig("comfyui-sdxl", engine.MediaTypeImage))

	err := em.RegisterEngine("comfyui-sdxl", mockEng)
	require.NoError(t, err)

	assert.Contains(t, em.ListEngines(), "comfyui-sdxl")

	config, err := em.GetEngineConfig("comfyui-sdxl")
	require.NoError(t, err)
	assert.Equal(t, "comfyui-sdxl", config.Name)
	assert.Equal(t, []engine.MediaType{engine.MediaTypeImage}, config.SupportedTypes)

	health, err := em.GetEngineHealth("comfyui-sdxl")
	require.NoError(t, err)
	assert.Equal(t, EngineStatusUnknown, health.Status)
	assert.Zero(t, health.CheckCount)

	mockEng.AssertExpectations(t)
}

func TestEngineManager_RegisterEngine_Validation(t *testing.T) {
	em := NewEngineManager()
	registeredMockEngine(t, em, "existing", engine.MediaTypeImage)

	tests := []struct {
		name       string
		engineName string
		eng        engine.Engine
	}{
		{
			name:       "empty name",
			engineName: "",
			eng:        &MockEngine{},
		},
		{
			name:       "nil engine",
			engineName: "some-engine",
			eng:        nil,
		},
		{
			name:       "duplicate registration",
			engineName: "existing",
			eng:        &MockEngine{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := em.RegisterEngine(tt.engineName, tt.eng)
			assert.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestEngineManager_UnregisterEngine(t *testing.T) {
	em := NewEngineManager()
	registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)

	err := em.UnregisterEngine("comfyui-sdxl")
	require.NoError(t, err)
	assert.Empty(t, em.ListEngines())

	err = em.UnregisterEngine("comfyui-sdxl")
	assert.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestEngineManager_GetEngine(t *testing.T) {
	em := NewEngineManager()
	mockEng := registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)

	eng, err := em.GetEngine("comfyui-sdxl")
	require.NoError(t, err)
	assert.Same(t, mockEng, eng)

	_, err = em.GetEngine("missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestEngineManager_GetEngineVersion(t *testing.T) {
	em := NewEngineManager()
	mockEng := registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)
	mockEng.On("GetVersion").Return(engine.VersionInfo{EngineVersion: "0.3.1", ModelVersion: "sdxl-1.0"})

	version, err := em.GetEngineVersion("comfyui-sdxl")
	require.NoError(t, err)
	assert.Equal(t, "0.3.1", version.EngineVersion)
	assert.Equal(t, "sdxl-1.0", version.ModelVersion)

	_, err = em.GetEngineVersion("missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestEngineManager_HealthCheck(t *testing.T) {
	em := NewEngineManager()
	mockEng := registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)
	mockEng.On("HealthCheck", mock.AnythingOfType("*context.timerCtx")).Return(nil)

	err := em.HealthCheck(context.Background(), "comfyui-sdxl")
	require.NoError(t, err)

	health, err := em.GetEngineHealth("comfyui-sdxl")
	require.NoError(t, err)
	assert.Equal(t, EngineStatusHealthy, health.Status)
	assert.Equal(t, int64(1), health.CheckCount)
	assert.Zero(t, health.FailureCount)
	assert.Empty(t, health.LastError)
	assert.False(t, health.LastCheck.IsZero())

	mockEng.AssertExpectations(t)
}

func TestEngineManager_HealthCheck_Failure(t *testing.T) {
	em := NewEngineManager()
	mockEng := registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)
	mockEng.On("HealthCheck", mock.AnythingOfType("*context.timerCtx")).Return(fmt.Errorf("connection refused"))

	err := em.HealthCheck(context.Background(), "comfyui-sdxl")
	assert.Error(t, err)

	health, err := em.GetEngineHealth("comfyui-sdxl")
	require.NoError(t, err)
	assert.Equal(t, EngineStatusUnhealthy, health.Status)
	assert.Equal(t, int64(1), health.CheckCount)
	assert.Equal(t, int64(1), health.FailureCount)
	assert.Contains(t, health.LastError, "connection refused")
}

func TestEngineManager_HealthCheck_NotFound(t *testing.T) {
	em := NewEngineManager()

	err := em.HealthCheck(context.Background(), "missing")
	assert.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestEngineManager_HealthCheckAll(t *testing.T) {
	em := NewEngineManager()
	healthy := registeredMockEngine(t, em, "engine-a", engine.MediaTypeImage)
	healthy.On("HealthCheck", mock.AnythingOfType("*context.timerCtx")).Return(nil)
	failing := registeredMockEngine(t, em, "engine-b", engine.MediaTypeVideo)
	failing.On("HealthCheck", mock.AnythingOfType("*context.timerCtx")).Return(fmt.Errorf("dial tcp 127.0.0.1:8189: connection refused"))

	err := em.HealthCheckAll(context.Background())
	assert.Error(t, err)

	healthA, err := em.GetEngineHealth("engine-a")
	require.NoError(t, err)
	assert.Equal(t, EngineStatusHealthy, healthA.Status)

	healthB, err := em.GetEngineHealth("engine-b")
	require.NoError(t, err)
	assert.Equal(t, EngineStatusUnhealthy, healthB.Status)
}

func TestEngineManager_Generate(t *testing.T) {
	em := NewEngineManager()
	mockEng := registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)

	req := engine.GenerationRequest{
		JobID:     "job-1",
		StoryID:   "story-1",
		MediaType: engine.MediaTypeImage,
		Prompt:    "a lighthouse at dusk",
	}
	expected := &engine.GenerationResult{
		EngineID: "comfyui-sdxl",
		Status:   engine.GenerationStatusCompleted,
		Artifacts: []engine.Artifact{
			{ID: "art-1", MediaType: engine.MediaTypeImage, Path: "/outputs/art-1.png"},
		},
	}
	mockEng.On("Generate", mock.Anything, req).Return(expected, nil)

	result, err := em.Generate(context.Background(), "comfyui-sdxl", req)
	require.NoError(t, err)
	assert.Equal(t, expected, result)

	health, err := em.GetEngineHealth("comfyui-sdxl")
	require.NoError(t, err)
	assert.Zero(t, health.FailureCount)

	mockEng.AssertExpectations(t)
}

func TestEngineManager_Generate_EngineNotFound(t *testing.T) {
	em := NewEngineManager()

	_, err := em.Generate(context.Background(), "missing", engine.GenerationRequest{})
	assert.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestEngineManager_Generate_FailureBookkeeping(t *testing.T) {
	em := NewEngineManager()
	mockEng := registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)

	genErr := errors.NewModelLoadingError("sdxl-base", "checkpoint load failed")
	mockEng.On("Generate", mock.Anything, mock.Anything).Return(nil, genErr)

	_, err := em.Generate(context.Background(), "comfyui-sdxl", engine.GenerationRequest{})
	require.Error(t, err)
	assert.Same(t, genErr, err)

	health, err := em.GetEngineHealth("comfyui-sdxl")
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.FailureCount)
	assert.Contains(t, health.LastError, "checkpoint load failed")
}

func TestEngineManager_EnginesForMediaType(t *testing.T) {
	em := NewEngineManager()
	registeredMockEngine(t, em, "sdxl", engine.MediaTypeImage)
	registeredMockEngine(t, em, "animate-diff", engine.MediaTypeVideo, engine.MediaTypeImage)
	registeredMockEngine(t, em, "llama-writer", engine.MediaTypeText)

	tests := []struct {
		name      string
		mediaType engine.MediaType
		expected  []string
	}{
		{name: "image engines", mediaType: engine.MediaTypeImage, expected: []string{"animate-diff", "sdxl"}},
		{name: "video engines", mediaType: engine.MediaTypeVideo, expected: []string{"animate-diff"}},
		{name: "text engines", mediaType: engine.MediaTypeText, expected: []string{"llama-writer"}},
		{name: "no tts engines", mediaType: engine.MediaTypeTTS, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, em.EnginesForMediaType(tt.mediaType))
		})
	}
}

func TestEngineManager_Health(t *testing.T) {
	em := NewEngineManager()

	assert.Error(t, em.Health())

	mockEng := registeredMockEngine(t, em, "comfyui-sdxl", engine.MediaTypeImage)
	// Unknown is not healthy until a probe succeeds.
	assert.Error(t, em.Health())

	mockEng.On("HealthCheck", mock.AnythingOfType("*context.timerCtx")).Return(nil)
	require.NoError(t, em.HealthCheck(context.Background(), "comfyui-sdxl"))

	assert.NoError(t, em.Health())
}

func TestEngineManager_HealthSnapshot(t *testing.T) {
	em := NewEngineManager()
	registeredMockEngine(t, em, "engine-a", engine.MediaTypeImage)

	snapshot := em.HealthSnapshot()
	require.Len(t, snapshot, 1)

	snapshot["engine-a"] = EngineHealth{Status: EngineStatusHealthy}

	health, err := em.GetEngineHealth("engine-a")
	require.NoError(t, err)
	assert.Equal(t, EngineStatusUnknown, health.Status)
}

func TestEngineManager_GetStats(t *testing.T) {
	em := NewEngineManager()
	healthy := registeredMockEngine(t, em, "engine-a", engine.MediaTypeImage)
	healthy.On("HealthCheck", mock.AnythingOfType("*context.timerCtx")).Return(nil)
	failing := registeredMockEngine(t, em, "engine-b", engine.MediaTypeVideo)
	failing.On("HealthCheck", mock.AnythingOfType("*context.timerCtx")).Return(fmt.Errorf("vram exhausted"))
	registeredMockEngine(t, em, "engine-c", engine.MediaTypeText)

	require.NoError(t, em.HealthCheck(context.Background(), "engine-a"))
	require.Error(t, em.HealthCheck(context.Background(), "engine-b"))

	stats := em.GetStats()
	assert.Equal(t, 3, stats.TotalEngines)
	assert.Equal(t, 1, stats.HealthyEngines)
	assert.Equal(t, 1, stats.UnhealthyEngines)
	assert.Equal(t, 1, stats.UnknownEngines)
	assert.Greater(t, stats.Uptime, time.Duration(0))
	require.Len(t, stats.Engines, 3)
	assert.Equal(t, "http://localhost:8188", stats.Engines["engine-a"].Endpoint)
	assert.Equal(t, []engine.MediaType{engine.MediaTypeVideo}, stats.Engines["engine-b"].SupportedTypes)
}

func BenchmarkEngineManager_EnginesForMediaType(b *testing.B) {
	em := NewEngineManager()
	for i := 0; i < 10; i++ {
		registeredMockEngine(b, em, fmt.Sprintf("engine-%d", i), engine.MediaTypeImage)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		em.EnginesForMediaType(engine.MediaTypeImage)
	}
}

func BenchmarkEngineManager_HealthCheck(b *testing.B) {
	em := NewEngineManager()
	mockEng := registeredMockEngine(b, em, "bench", engine.MediaTypeImage)
	mockEng.On("HealthCheck", mock.Anything).Return(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := em.HealthCheck(context.Background(), "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

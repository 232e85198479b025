package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/types"
)

// MockQueue is a mock implementation of queue.QueueInterface
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockQueue) Dequeue(ctx context.Context, workerID string) (*queue.Job, error) {
	args := m.Called(ctx, workerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Job), args.Error(1)
}

func (m *MockQueue) Complete(ctx context.Context, jobID string, result *queue.JobResult) error {
	args := m.Called(ctx, jobID, result)
	return args.Error(0)
}

func (m *MockQueue) Fail(ctx context.Context, jobID string, errorMsg string) error {
	args := m.Called(ctx, jobID, errorMsg)
	return args.Error(0)
}

func (m *MockQueue) Cancel(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockQueue) RequestCancel(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockQueue) IsCancelRequested(ctx context.Context, jobID string) bool {
	args := m.Called(ctx, jobID)
	return args.Bool(0)
}

func (m *MockQueue) MarkCancelled(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockQueue) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Job), args.Error(1)
}

func (m *MockQueue) GetResult(ctx context.Context, jobID string) (*queue.JobResult, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.JobResult), args.Error(1)
}

func (m *MockQueue) ListJobs(ctx context.Context, filter queue.JobFilter, limit, offset int) ([]*queue.Job, error) {
	args := m.Called(ctx, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*queue.Job), args.Error(1)
}

func (m *MockQueue) GetStats(ctx context.Context) (*queue.JobStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.JobStats), args.Error(1)
}

func (m *MockQueue) Cleanup(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var _ queue.QueueInterface = (*MockQueue)(nil)

func setupTestService(tb testing.TB) (*Service, *MockQueue, *fakeGenerationStore, *EngineManager) {
	tb.Helper()
	mockQueue := new(MockQueue)
	store := newFakeGenerationStore()
	engines := NewEngineManager()
	svc := NewService(mockQueue, store, engines, nil)
	return svc, mockQueue, store, engines
}

func TestNewService_Defaults(t *testing.T) {
	svc, _, _, _ := setupTestService(t)

	assert.Equal(t, 10*time.Minute, svc.config.DefaultTimeout)
	assert.Equal(t, 30*time.Second, svc.config.HealthCheckInterval)
	assert.Equal(t, 5*time.Minute, svc.config.CleanupInterval)
}

func TestService_SubmitGeneration(t *testing.T) {
	svc, mockQueue, store, _ := setupTestService(t)

	var captured *queue.Job
	mockQueue.On("Enqueue", mock.Anything, mock.AnythingOfType("*queue.Job")).Return(nil).Run(func(args mock.Arguments) {
		captured = args.Get(1).(*queue.Job)
	})

	storyID := uuid.New()
	sceneID := uuid.New()
	req := &GenerationRequest{
		StoryID:        storyID,
		SceneID:        &sceneID,
		JobType:        queue.JobTypeImage,
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "blurry, low quality",
		Parameters:     map[string]float64{"inference_steps": 30},
		Seed:           42,
		Priority:       10,
	}

	record, err := svc.SubmitGeneration(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotNil(t, captured)

	assert.Equal(t, queue.JobTypeImage, captured.Type)
	assert.Equal(t, queue.PriorityHigh, captured.Priority)
	assert.Equal(t, 10*time.Minute, captured.Metadata.Timeout)
	assert.Equal(t, storyID.String(), captured.Payload["story_id"])
	assert.Equal(t, sceneID.String(), captured.Payload["scene_id"])
	assert.Equal(t, "a lighthouse at dusk", captured.Payload["prompt"])
	assert.Equal(t, "blurry, low quality", captured.Payload["negative_prompt"])
	assert.Equal(t, int64(42), captured.Payload["seed"])

	assert.Equal(t, captured.ID, record.ID.String())
	assert.Equal(t, storyID, record.StoryID)
	assert.Equal(t, "image", record.MediaType)
	assert.Equal(t, types.JobStatusQueued, record.Status)
	assert.Equal(t, 10, record.Priority)

	status, err := store.GetStatus(context.Background(), captured.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.GenerationStatusQueued, status)

	mockQueue.AssertExpectations(t)
}

func TestService_SubmitGeneration_Validation(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	tests := []struct {
		name string
		req  *GenerationRequest
	}{
		{name: "nil request", req: nil},
		{name: "missing story ID", req: &GenerationRequest{JobType: queue.JobTypeImage, Prompt: "x"}},
		{name: "missing job type", req: &GenerationRequest{StoryID: uuid.New(), Prompt: "x"}},
		{name: "unsupported job type", req: &GenerationRequest{StoryID: uuid.New(), JobType: "mystery_type", Prompt: "x"}},
		{name: "missing prompt", req: &GenerationRequest{StoryID: uuid.New(), JobType: queue.JobTypeImage}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitGeneration(context.Background(), tt.req)
			assert.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}

	mockQueue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestService_SubmitGeneration_EnqueueError(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(fmt.Errorf("redis: connection pool exhausted"))

	req := &GenerationRequest{
		StoryID: uuid.New(),
		JobType: queue.JobTypeImage,
		Prompt:  "a lighthouse at dusk",
	}

	_, err := svc.SubmitGeneration(context.Background(), req)
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestService_GetGenerationStatus(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	jobID := uuid.New().String()
	startedAt := time.Now().Add(-3 * time.Second)
	job := &queue.Job{
		ID:        jobID,
		Type:      queue.JobTypeImage,
		Priority:  queue.PriorityMedium,
		Status:    queue.JobStatusRunning,
		Payload:   map[string]interface{}{"story_id": "story-1", "prompt": "x"},
		Metadata:  queue.JobMetadata{RetryCount: 1},
		StartedAt: &startedAt,
	}
	mockQueue.On("GetJob", mock.Anything, jobID).Return(job, nil)

	status, err := svc.GetGenerationStatus(context.Background(), jobID)
	require.NoError(t, err)

	assert.Equal(t, jobID, status.JobID)
	assert.Equal(t, queue.JobTypeImage, status.JobType)
	assert.Equal(t, "image", status.MediaType)
	assert.Equal(t, string(queue.JobStatusRunning), status.Status)
	assert.InDelta(t, 50, status.Progress, 1e-9)
	assert.Equal(t, 1, status.RetryCount)
	assert.Greater(t, status.Duration, time.Duration(0))
}

func TestService_GetGenerationStatus_CachedProgress(t *testing.T) {
	svc, mockQueue, store, _ := setupTestService(t)

	jobID := uuid.New().String()
	job := &queue.Job{
		ID:      jobID,
		Type:    queue.JobTypeImage,
		Status:  queue.JobStatusRunning,
		Payload: map[string]interface{}{"story_id": "story-1", "prompt": "x"},
	}
	mockQueue.On("GetJob", mock.Anything, jobID).Return(job, nil)

	require.NoError(t, store.SetProgress(context.Background(), jobID, &cache.GenerationProgress{
		JobID:           jobID,
		Status:          engine.GenerationStatusRunning,
		TotalStages:     2,
		CompletedStages: 1,
		StageProgress: map[string]cache.StageStatus{
			queue.JobTypeImage: {
				Name:     queue.JobTypeImage,
				Status:   engine.GenerationStatusRunning,
				Progress: 0.5,
			},
		},
	}))

	status, err := svc.GetGenerationStatus(context.Background(), jobID)
	require.NoError(t, err)

	assert.InDelta(t, 75, status.Progress, 1e-9)
	assert.Equal(t, queue.JobTypeImage, status.Stage)
}

func TestService_GetGenerationStatus_InvalidID(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	_, err := svc.GetGenerationStatus(context.Background(), "not-a-uuid")
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	mockQueue.AssertNotCalled(t, "GetJob", mock.Anything, mock.Anything)
}

func TestService_GetGenerationResults(t *testing.T) {
	svc, mockQueue, store, _ := setupTestService(t)

	jobID := uuid.New().String()
	startedAt := time.Now().Add(-10 * time.Second)
	completedAt := startedAt.Add(8 * time.Second)
	job := &queue.Job{
		ID:          jobID,
		Type:        queue.JobTypeImage,
		Status:      queue.JobStatusCompleted,
		Payload:     map[string]interface{}{"story_id": "story-1", "scene_id": "scene-3", "prompt": "x"},
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
	}
	mockQueue.On("GetJob", mock.Anything, jobID).Return(job, nil)

	require.NoError(t, store.SetResult(context.Background(), jobID, &engine.GenerationResult{
		EngineID: "comfyui-sdxl",
		Status:   engine.GenerationStatusCompleted,
		Artifacts: []engine.Artifact{
			{ID: "art-1", MediaType: engine.MediaTypeImage, SizeBytes: 2048},
			{ID: "art-2", MediaType: engine.MediaTypeImage, SizeBytes: 4096},
		},
		Metadata: engine.Metadata{ModelName: "sdxl-base"},
	}))

	results, err := svc.GetGenerationResults(context.Background(), jobID)
	require.NoError(t, err)

	assert.Equal(t, "comfyui-sdxl", results.EngineID)
	assert.Equal(t, "story-1", results.StoryID)
	assert.Equal(t, "scene-3", results.SceneID)
	assert.Len(t, results.Artifacts, 2)
	assert.Equal(t, 2, results.Summary.TotalArtifacts)
	assert.Equal(t, 2, results.Summary.ByMediaType["image"])
	assert.Equal(t, int64(6144), results.Summary.TotalBytes)
	require.NotNil(t, results.Metadata)
	assert.Equal(t, "sdxl-base", results.Metadata.ModelName)
	assert.Equal(t, 8*time.Second, results.Duration)
}

func TestService_GetGenerationResults_NoCachedResult(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	jobID := uuid.New().String()
	job := &queue.Job{
		ID:      jobID,
		Type:    queue.JobTypeImage,
		Status:  queue.JobStatusQueued,
		Payload: map[string]interface{}{"story_id": "story-1", "prompt": "x"},
	}
	mockQueue.On("GetJob", mock.Anything, jobID).Return(job, nil)

	results, err := svc.GetGenerationResults(context.Background(), jobID)
	require.NoError(t, err)

	assert.Empty(t, results.EngineID)
	assert.Empty(t, results.Artifacts)
	assert.Zero(t, results.Summary.TotalArtifacts)
}

func TestService_CancelGeneration(t *testing.T) {
	svc, mockQueue, store, _ := setupTestService(t)

	jobID := uuid.New().String()
	mockQueue.On("Cancel", mock.Anything, jobID).Return(nil)

	require.NoError(t, svc.CancelGeneration(context.Background(), jobID))

	status, err := store.GetStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, engine.GenerationStatusCancelled, status)
	mockQueue.AssertExpectations(t)
}

func TestService_CancelGeneration_Errors(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	err := svc.CancelGeneration(context.Background(), "not-a-uuid")
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	mockQueue.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)

	jobID := uuid.New().String()
	mockQueue.On("Cancel", mock.Anything, jobID).Return(errors.NewNotFoundError("job"))

	err = svc.CancelGeneration(context.Background(), jobID)
	assert.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestService_ListGenerations(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	createdAt := time.Now().Add(-time.Minute)
	jobs := []*queue.Job{
		{
			ID:        uuid.New().String(),
			Type:      queue.JobTypeImage,
			Priority:  queue.PriorityHigh,
			Status:    queue.JobStatusCompleted,
			Payload:   map[string]interface{}{"story_id": "story-1", "prompt": "x"},
			CreatedAt: createdAt,
		},
		{
			ID:        uuid.New().String(),
			Type:      queue.JobTypeVideo,
			Priority:  queue.PriorityMedium,
			Status:    queue.JobStatusQueued,
			Payload:   map[string]interface{}{"story_id": "story-2", "prompt": "y"},
			CreatedAt: createdAt,
		},
	}
	mockQueue.On("ListJobs", mock.Anything, queue.JobFilter{}, 50, 0).Return(jobs, nil)

	list, err := svc.ListGenerations(context.Background(), nil, Pagination{})
	require.NoError(t, err)

	assert.Equal(t, 2, list.Count)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, 50, list.PageSize)
	require.Len(t, list.Generations, 2)
	assert.Equal(t, "image", list.Generations[0].MediaType)
	assert.Equal(t, "story-1", list.Generations[0].StoryID)
	assert.Equal(t, int(queue.PriorityHigh), list.Generations[0].Priority)
	assert.Equal(t, "video", list.Generations[1].MediaType)
	mockQueue.AssertExpectations(t)
}

func TestService_ListGenerations_Filter(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	expected := queue.JobFilter{Type: queue.JobTypeImage, Status: queue.JobStatusFailed}
	mockQueue.On("ListJobs", mock.Anything, expected, 25, 25).Return([]*queue.Job{}, nil)

	filter := &GenerationFilter{JobType: queue.JobTypeImage, Status: queue.JobStatusFailed}
	list, err := svc.ListGenerations(context.Background(), filter, Pagination{Page: 2, PageSize: 25})
	require.NoError(t, err)

	assert.Zero(t, list.Count)
	assert.Equal(t, 2, list.Page)
	mockQueue.AssertExpectations(t)
}

func TestService_GetStats(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)

	mockQueue.On("GetStats", mock.Anything).Return(&queue.JobStats{
		Total: 10,
		ByStatus: map[queue.JobStatus]int64{
			queue.JobStatusRunning:  2,
			queue.JobStatusQueued:   3,
			queue.JobStatusRetrying: 1,
		},
		DeadLetter: 4,
	}, nil)

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "stopped", stats.Status)
	assert.Equal(t, int64(2), stats.ActiveGenerations)
	assert.Equal(t, int64(4), stats.QueuedGenerations)
	assert.Equal(t, int64(4), stats.DeadLetter)
	assert.Zero(t, stats.WorkerCount)
}

func TestService_GetStats_QueueError(t *testing.T) {
	svc, mockQueue, _, _ := setupTestService(t)
	mockQueue.On("GetStats", mock.Anything).Return(nil, fmt.Errorf("redis: client is closed"))

	_, err := svc.GetStats(context.Background())
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestService_StartStopHealth(t *testing.T) {
	svc, mockQueue, _, engines := setupTestService(t)
	ctx := context.Background()

	err := svc.Health(ctx)
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))

	eng := newScriptedEngine("img-primary", engine.MediaTypeImage)
	require.NoError(t, engines.RegisterEngine("img-primary", eng))
	require.NoError(t, engines.HealthCheck(ctx, "img-primary"))

	require.NoError(t, svc.Start(ctx))

	err = svc.Start(ctx)
	assert.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	mockQueue.On("GetStats", mock.Anything).Return(&queue.JobStats{}, nil)
	assert.NoError(t, svc.Health(ctx))

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", stats.Status)

	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))

	err = svc.Health(ctx)
	assert.Error(t, err)
}

func TestMapPriority(t *testing.T) {
	tests := []struct {
		priority int
		expected queue.Priority
	}{
		{0, queue.PriorityLow},
		{1, queue.PriorityLow},
		{3, queue.PriorityLow},
		{5, queue.PriorityMedium},
		{7, queue.PriorityMedium},
		{10, queue.PriorityHigh},
		{15, queue.PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("priority_%d", tt.priority), func(t *testing.T) {
			assert.Equal(t, tt.expected, mapPriority(tt.priority))
		})
	}
}

func TestNormalizePagination(t *testing.T) {
	tests := []struct {
		name     string
		in       Pagination
		expected Pagination
	}{
		{name: "zero value", in: Pagination{}, expected: Pagination{Page: 1, PageSize: 50}},
		{name: "negative page", in: Pagination{Page: -1, PageSize: 300}, expected: Pagination{Page: 1, PageSize: 50}},
		{name: "within bounds", in: Pagination{Page: 2, PageSize: 25}, expected: Pagination{Page: 2, PageSize: 25}},
		{name: "max page size", in: Pagination{Page: 1, PageSize: 200}, expected: Pagination{Page: 1, PageSize: 200}},
		{name: "over max page size", in: Pagination{Page: 1, PageSize: 201}, expected: Pagination{Page: 1, PageSize: 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizePagination(tt.in))
		})
	}
}

func BenchmarkService_SubmitGeneration(b *testing.B) {
	svc, mockQueue, _, _ := setupTestService(b)
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	req := &GenerationRequest{
		StoryID: uuid.New(),
		JobType: queue.JobTypeImage,
		Prompt:  "a lighthouse at dusk",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.SubmitGeneration(context.Background(), req); err != nil {
			b.Fatal(err)
		}
	}
}

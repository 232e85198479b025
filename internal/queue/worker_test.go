package queue

import (
	"context"
	"testing"
	"time"

	"github.com/storyforge/storyforge/pkg/config"
)

func testRedisConfig() *config.RedisConfig {
	return &config.RedisConfig{
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       1,
		PoolSize: 10,
	}
}

// MockJobHandler for testing
type MockJobHandler struct {
	handleFunc func(ctx context.Context, job *Job) (*JobResult, error)
	jobType    string
}

func (m *MockJobHandler) Handle(ctx context.Context, job *Job) (*JobResult, error) {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, job)
	}
	return &JobResult{
		JobID:   job.ID,
		Success: true,
		Result:  map[string]interface{}{"artifact_id": "artifact-1"},
	}, nil
}

func (m *MockJobHandler) CanHandle(jobType string) bool {
	return jobType == m.jobType
}

func TestNewWorker(t *testing.T) {
	// This test doesn't require Redis
	queue := &Queue{} // Mock queue
	config := DefaultWorkerConfig()

	worker := NewWorker(queue, config)

	if worker.id == "" {
		t.Error("Worker ID should be set")
	}

	if worker.queue != queue {
		t.Error("Worker queue should be set")
	}

	if worker.config.Concurrency != config.Concurrency {
		t.Error("Worker config should be set")
	}

	if worker.running {
		t.Error("Worker should not be running initially")
	}
}

func TestNewWorker_CancelCheckDefault(t *testing.T) {
	config := DefaultWorkerConfig()
	config.CancelCheckInterval = 0

	worker := NewWorker(&Queue{}, config)

	if worker.config.CancelCheckInterval != 2*time.Second {
		t.Errorf("Expected default cancel check interval 2s, got %v", worker.config.CancelCheckInterval)
	}
}

func TestWorker_RegisterHandler(t *testing.T) {
	worker := NewWorker(&Queue{}, DefaultWorkerConfig())
	handler := &MockJobHandler{jobType: JobTypeImage}

	worker.RegisterHandler(JobTypeImage, handler)

	worker.mu.RLock()
	registeredHandler, exists := worker.handlers[JobTypeImage]
	worker.mu.RUnlock()

	if !exists {
		t.Error("Handler should be registered")
	}

	if registeredHandler != handler {
		t.Error("Registered handler should match")
	}
}

func TestWorker_IsRunning(t *testing.T) {
	worker := NewWorker(&Queue{}, DefaultWorkerConfig())

	if worker.IsRunning() {
		t.Error("Worker should not be running initially")
	}

	// Simulate running state
	worker.mu.Lock()
	worker.running = true
	worker.mu.Unlock()

	if !worker.IsRunning() {
		t.Error("Worker should be running after setting state")
	}
}

func TestWorker_GetStats(t *testing.T) {
	worker := NewWorker(&Queue{}, DefaultWorkerConfig())

	stats := worker.GetStats()

	if stats.JobsProcessed != 0 {
		t.Error("Initial jobs processed should be 0")
	}

	if stats.JobsSucceeded != 0 {
		t.Error("Initial jobs succeeded should be 0")
	}

	if stats.JobsFailed != 0 {
		t.Error("Initial jobs failed should be 0")
	}

	if stats.JobsCancelled != 0 {
		t.Error("Initial jobs cancelled should be 0")
	}

	if stats.StartedAt.IsZero() {
		t.Error("Started at should be set")
	}
}

func TestWorker_GetID(t *testing.T) {
	worker := NewWorker(&Queue{}, DefaultWorkerConfig())

	id := worker.GetID()

	if id == "" {
		t.Error("Worker ID should not be empty")
	}

	if id != worker.id {
		t.Error("GetID should return worker ID")
	}
}

func TestNewWorkerPool(t *testing.T) {
	queue := &Queue{}
	config := DefaultWorkerPoolConfig()

	pool := NewWorkerPool(queue, config)

	if pool.queue != queue {
		t.Error("Pool queue should be set")
	}

	if len(pool.workers) != config.NumWorkers {
		t.Errorf("Expected %d workers, got %d", config.NumWorkers, len(pool.workers))
	}

	if pool.running {
		t.Error("Pool should not be running initially")
	}
}

func TestWorkerPool_RegisterHandler(t *testing.T) {
	pool := NewWorkerPool(&Queue{}, DefaultWorkerPoolConfig())
	handler := &MockJobHandler{jobType: JobTypeVideo}

	pool.RegisterHandler(JobTypeVideo, handler)

	// Check that all workers have the handler registered
	for i, worker := range pool.workers {
		worker.mu.RLock()
		registeredHandler, exists := worker.handlers[JobTypeVideo]
		worker.mu.RUnlock()

		if !exists {
			t.Errorf("Handler should be registered on worker %d", i)
		}

		if registeredHandler != handler {
			t.Errorf("Registered handler should match on worker %d", i)
		}
	}
}

func TestWorkerPool_IsRunning(t *testing.T) {
	pool := NewWorkerPool(&Queue{}, DefaultWorkerPoolConfig())

	if pool.IsRunning() {
		t.Error("Pool should not be running initially")
	}

	// Simulate running state
	pool.mu.Lock()
	pool.running = true
	pool.mu.Unlock()

	if !pool.IsRunning() {
		t.Error("Pool should be running after setting state")
	}
}

func TestWorkerPool_GetStats(t *testing.T) {
	config := DefaultWorkerPoolConfig()
	pool := NewWorkerPool(&Queue{}, config)

	stats := pool.GetStats()

	if len(stats) != config.NumWorkers {
		t.Errorf("Expected %d worker stats, got %d", config.NumWorkers, len(stats))
	}

	for i, stat := range stats {
		if stat.JobsProcessed != 0 {
			t.Errorf("Worker %d should have 0 jobs processed initially", i)
		}
	}
}

func TestWorkerPool_GetWorkers(t *testing.T) {
	config := DefaultWorkerPoolConfig()
	pool := NewWorkerPool(&Queue{}, config)

	workers := pool.GetWorkers()

	if len(workers) != config.NumWorkers {
		t.Errorf("Expected %d workers, got %d", config.NumWorkers, len(workers))
	}

	// Verify workers are the same instances
	for i, worker := range workers {
		if worker != pool.workers[i] {
			t.Errorf("Worker %d should be the same instance", i)
		}
	}
}

// Integration test that would require Redis
func TestWorker_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Skip this test if Redis is not available
	t.Skip("Skipping worker integration test - requires Redis")

	cfg := testRedisConfig()
	redis, err := NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("Failed to create Redis client: %v", err)
	}
	defer redis.Close()

	queue := NewQueue(redis, "worker-test", DefaultQueueConfig())
	ctx := context.Background()

	workerConfig := DefaultWorkerConfig()
	workerConfig.Concurrency = 1
	workerConfig.PollInterval = 50 * time.Millisecond

	worker := NewWorker(queue, workerConfig)
	worker.RegisterHandler(JobTypeImage, &MockJobHandler{jobType: JobTypeImage})

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Failed to start worker: %v", err)
	}

	job := NewJob(JobTypeImage, PriorityHigh, map[string]interface{}{
		"prompt": "integration test",
	})
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		current, err := queue.GetJob(ctx, job.ID)
		if err == nil && current.Status == JobStatusCompleted {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := worker.Stop(); err != nil {
		t.Fatalf("Failed to stop worker: %v", err)
	}

	final, err := queue.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if final.Status != JobStatusCompleted {
		t.Errorf("Expected status %s, got %s", JobStatusCompleted, final.Status)
	}

	stats := worker.GetStats()
	if stats.JobsSucceeded != 1 {
		t.Errorf("Expected 1 succeeded job, got %d", stats.JobsSucceeded)
	}
}

func TestWorkerConfig_Validation(t *testing.T) {
	config := DefaultWorkerConfig()

	if config.Concurrency <= 0 {
		t.Error("Default concurrency should be positive")
	}

	if config.PollInterval <= 0 {
		t.Error("Default poll interval should be positive")
	}

	if config.ShutdownTimeout <= 0 {
		t.Error("Default shutdown timeout should be positive")
	}
}

func TestWorkerPoolConfig_Validation(t *testing.T) {
	config := DefaultWorkerPoolConfig()

	if config.NumWorkers <= 0 {
		t.Error("Default number of workers should be positive")
	}

	if config.WorkerConfig.Concurrency <= 0 {
		t.Error("Default worker concurrency should be positive")
	}

	if config.ShutdownTimeout <= 0 {
		t.Error("Default shutdown timeout should be positive")
	}
}

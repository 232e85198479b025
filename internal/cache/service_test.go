package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/config"
	"github.com/storyforge/storyforge/pkg/engine"
)

func setupTestCache(tb testing.TB) *Service {
	redisConfig := &config.RedisConfig{
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       1, // Use different DB for tests
		PoolSize: 5,
	}

	redisClient, err := queue.NewRedisClient(redisConfig)
	if err != nil {
		tb.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	err = redisClient.FlushDB(context.Background())
	require.NoError(tb, err)

	return NewService(redisClient, DefaultConfig())
}

func TestCacheService_SetAndGet(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "123"}
	value := map[string]interface{}{
		"name": "test",
		"age":  30,
	}

	// Test Set
	err := cache.Set(ctx, key, value, 1*time.Minute)
	assert.NoError(t, err)

	// Test Get
	var result map[string]interface{}
	err = cache.Get(ctx, key, &result)
	assert.NoError(t, err)
	assert.Equal(t, "test", result["name"])
	assert.Equal(t, float64(30), result["age"]) // JSON unmarshaling converts to float64
}

func TestCacheService_Exists(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "exists"}

	// Test non-existent key
	exists, err := cache.Exists(ctx, key)
	assert.NoError(t, err)
	assert.False(t, exists)

	// Set value
	err = cache.Set(ctx, key, "test value", 1*time.Minute)
	assert.NoError(t, err)

	// Test existing key
	exists, err = cache.Exists(ctx, key)
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestCacheService_Delete(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "delete"}

	// Set value
	err := cache.Set(ctx, key, "test value", 1*time.Minute)
	assert.NoError(t, err)

	// Verify exists
	exists, err := cache.Exists(ctx, key)
	assert.NoError(t, err)
	assert.True(t, exists)

	// Delete
	err = cache.Delete(ctx, key)
	assert.NoError(t, err)

	// Verify deleted
	exists, err = cache.Exists(ctx, key)
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestCacheService_Hash(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "hash"}
	field := "field1"
	value := map[string]string{"key": "value"}

	// Test SetHash
	err := cache.SetHash(ctx, key, field, value, 1*time.Minute)
	assert.NoError(t, err)

	// Test GetHash
	var result map[string]string
	err = cache.GetHash(ctx, key, field, &result)
	assert.NoError(t, err)
	assert.Equal(t, "value", result["key"])

	// Test GetAllHash
	allFields, err := cache.GetAllHash(ctx, key)
	assert.NoError(t, err)
	assert.Contains(t, allFields, field)
}

func TestCacheService_List(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "list"}
	values := []interface{}{"item1", "item2", "item3"}

	// Test SetList
	err := cache.SetList(ctx, key, values, 1*time.Minute)
	assert.NoError(t, err)

	// Test GetList preserves insertion order
	var result []string
	err = cache.GetList(ctx, key, &result)
	assert.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, []string{"item1", "item2", "item3"}, result)
}

func TestCacheService_ListOfStructs(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "artifacts"}
	artifacts := []engine.Artifact{
		{ID: "a-1", MediaType: engine.MediaTypeImage, Path: "/artifacts/a-1.png", Width: 1024, Height: 768},
		{ID: "a-2", MediaType: engine.MediaTypeImage, Path: "/artifacts/a-2.png", Width: 1024, Height: 768},
	}

	err := cache.SetList(ctx, key, interfaceSlice(artifacts), 1*time.Minute)
	assert.NoError(t, err)

	var result []engine.Artifact
	err = cache.GetList(ctx, key, &result)
	assert.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "a-1", result[0].ID)
	assert.Equal(t, 1024, result[1].Width)
}

func TestCacheService_Counter(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "counter"}

	// Test Increment
	count, err := cache.Increment(ctx, key, 5, 1*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// Test Increment again
	count, err = cache.Increment(ctx, key, 3, 1*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(8), count)

	// Test GetCounter
	count, err = cache.GetCounter(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(8), count)

	// Missing counters read as zero
	count, err = cache.GetCounter(ctx, CacheKey{Prefix: "test", ID: "missing_counter"})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestCacheService_TTL(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "ttl"}
	ttl := 30 * time.Second

	// Set with TTL
	err := cache.Set(ctx, key, "test value", ttl)
	assert.NoError(t, err)

	// Check TTL
	remainingTTL, err := cache.TTL(ctx, key)
	assert.NoError(t, err)
	assert.True(t, remainingTTL > 0)
	assert.True(t, remainingTTL <= ttl)

	// Extend TTL
	newTTL := 1 * time.Minute
	err = cache.Extend(ctx, key, newTTL)
	assert.NoError(t, err)

	// Check extended TTL
	remainingTTL, err = cache.TTL(ctx, key)
	assert.NoError(t, err)
	assert.True(t, remainingTTL > ttl) // Should be longer than original
}

func TestCacheService_InvalidatePattern(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	// Set multiple keys with same prefix
	keys := []CacheKey{
		{Prefix: "test", ID: "pattern1"},
		{Prefix: "test", ID: "pattern2"},
		{Prefix: "other", ID: "pattern3"},
	}

	for _, key := range keys {
		err := cache.Set(ctx, key, "test value", 1*time.Minute)
		assert.NoError(t, err)
	}

	// Invalidate pattern
	err := cache.InvalidatePattern(ctx, "test:*")
	assert.NoError(t, err)

	// Check that test keys are deleted
	exists, err := cache.Exists(ctx, keys[0])
	assert.NoError(t, err)
	assert.False(t, exists)

	exists, err = cache.Exists(ctx, keys[1])
	assert.NoError(t, err)
	assert.False(t, exists)

	// Check that other key still exists
	exists, err = cache.Exists(ctx, keys[2])
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestGenerationCache_ResultRoundTrip(t *testing.T) {
	cache := setupTestCache(t)
	genCache := NewGenerationCache(cache)
	ctx := context.Background()

	result := &engine.GenerationResult{
		EngineID: "comfyui-primary",
		Status:   engine.GenerationStatusCompleted,
		Artifacts: []engine.Artifact{
			{ID: "a-1", MediaType: engine.MediaTypeImage, Path: "/artifacts/a-1.png"},
		},
		Duration: 1500 * time.Millisecond,
	}

	err := genCache.SetResult(ctx, "job-1", result)
	assert.NoError(t, err)

	cached, err := genCache.GetResult(ctx, "job-1")
	assert.NoError(t, err)
	assert.Equal(t, "comfyui-primary", cached.EngineID)
	assert.Equal(t, engine.GenerationStatusCompleted, cached.Status)
	require.Len(t, cached.Artifacts, 1)
	assert.Equal(t, "a-1", cached.Artifacts[0].ID)
}

func TestGenerationCache_StatusRoundTrip(t *testing.T) {
	cache := setupTestCache(t)
	genCache := NewGenerationCache(cache)
	ctx := context.Background()

	err := genCache.SetStatus(ctx, "job-2", engine.GenerationStatusRunning)
	assert.NoError(t, err)

	status, err := genCache.GetStatus(ctx, "job-2")
	assert.NoError(t, err)
	assert.Equal(t, engine.GenerationStatusRunning, status)
}

func TestGenerationCache_ModelStateFlush(t *testing.T) {
	cache := setupTestCache(t)
	genCache := NewGenerationCache(cache)
	ctx := context.Background()

	state := &ModelState{
		EngineName: "comfyui-primary",
		ModelName:  "sdxl-base",
		LoadedAt:   time.Now(),
		Healthy:    true,
		UpdatedAt:  time.Now(),
	}

	err := genCache.SetModelState(ctx, "comfyui-primary", state)
	assert.NoError(t, err)

	cached, err := genCache.GetModelState(ctx, "comfyui-primary")
	assert.NoError(t, err)
	assert.Equal(t, "sdxl-base", cached.ModelName)

	// Flush drops the state so the next load starts clean
	err = genCache.FlushModelState(ctx, "comfyui-primary")
	assert.NoError(t, err)

	_, err = genCache.GetModelState(ctx, "comfyui-primary")
	assert.Error(t, err)
}

func TestGenerationCache_InvalidateGeneration(t *testing.T) {
	cache := setupTestCache(t)
	genCache := NewGenerationCache(cache)
	ctx := context.Background()

	err := genCache.SetStatus(ctx, "job-3", engine.GenerationStatusCompleted)
	assert.NoError(t, err)
	err = genCache.SetResult(ctx, "job-3", &engine.GenerationResult{EngineID: "e"})
	assert.NoError(t, err)

	err = genCache.InvalidateGeneration(ctx, "job-3")
	assert.NoError(t, err)

	_, err = genCache.GetStatus(ctx, "job-3")
	assert.Error(t, err)
	_, err = genCache.GetResult(ctx, "job-3")
	assert.Error(t, err)
}

func TestStatsCache_EnginePerformance(t *testing.T) {
	cache := setupTestCache(t)
	statsCache := NewStatsCache(cache)
	ctx := context.Background()

	metrics := &EnginePerformanceMetrics{
		EngineName:      "comfyui-primary",
		TotalExecutions: 100,
		SuccessfulRuns:  92,
		FailedRuns:      8,
		SuccessRate:     0.92,
		UpdatedAt:       time.Now(),
	}

	err := statsCache.SetEnginePerformance(ctx, "comfyui-primary", metrics)
	assert.NoError(t, err)

	cached, err := statsCache.GetEnginePerformance(ctx, "comfyui-primary")
	assert.NoError(t, err)
	assert.Equal(t, int64(100), cached.TotalExecutions)
	assert.InDelta(t, 0.92, cached.SuccessRate, 0.001)
}

func TestStatsCache_GenerationDuration(t *testing.T) {
	cache := setupTestCache(t)
	statsCache := NewStatsCache(cache)
	ctx := context.Background()

	err := statsCache.RecordGenerationDuration(ctx, "comfyui-primary", 2*time.Second)
	assert.NoError(t, err)

	avg, err := statsCache.GetAverageGenerationDuration(ctx, "comfyui-primary", 1)
	assert.NoError(t, err)
	assert.Equal(t, 2*time.Second, avg)
}

func TestStatsCache_FailureCounters(t *testing.T) {
	cache := setupTestCache(t)
	statsCache := NewStatsCache(cache)
	ctx := context.Background()

	count, err := statsCache.IncrementFailureCount(ctx, "comfyui-primary", "NETWORK")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = statsCache.IncrementFailureCount(ctx, "comfyui-primary", "NETWORK")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Other categories count independently
	count, err = statsCache.IncrementFailureCount(ctx, "comfyui-primary", "MODEL_LOADING")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func BenchmarkCacheService_Set(b *testing.B) {
	cache := setupTestCache(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := CacheKey{Prefix: "bench", ID: string(rune(i))}
		cache.Set(ctx, key, "benchmark value", 1*time.Minute)
	}
}

func BenchmarkCacheService_Get(b *testing.B) {
	cache := setupTestCache(b)
	ctx := context.Background()

	// Pre-populate cache
	key := CacheKey{Prefix: "bench", ID: "get"}
	cache.Set(ctx, key, "benchmark value", 1*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var result string
		cache.Get(ctx, key, &result)
	}
}

func BenchmarkCacheService_Increment(b *testing.B) {
	cache := setupTestCache(b)
	ctx := context.Background()

	key := CacheKey{Prefix: "bench", ID: "counter"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Increment(ctx, key, 1, 1*time.Minute)
	}
}

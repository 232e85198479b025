package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
)

// Version is the API version reported by health and version endpoints.
var Version = "1.0.0"

// HealthHandler handles health check requests
type HealthHandler struct {
	redis    *queue.RedisClient
	pipeline pipeline.PipelineService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(redis *queue.RedisClient, pipelineSvc pipeline.PipelineService) *HealthHandler {
	return &HealthHandler{
		redis:    redis,
		pipeline: pipelineSvc,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// HealthCheck represents an individual health check
type HealthCheck struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}

// ServeHTTP handles the health check request
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Checks:    make(map[string]HealthCheck),
	}

	// Check Redis health
	if h.redis != nil {
		redisStart := time.Now()
		redisErr := h.redis.Health(ctx)
		redisLatency := time.Since(redisStart)

		if redisErr != nil {
			response.Status = "unhealthy"
			response.Checks["redis"] = HealthCheck{
				Status:  "unhealthy",
				Message: redisErr.Error(),
				Latency: redisLatency,
			}
		} else {
			response.Checks["redis"] = HealthCheck{
				Status:  "healthy",
				Latency: redisLatency,
			}
		}
	}

	// Check pipeline health
	if h.pipeline != nil {
		pipelineStart := time.Now()
		pipelineErr := h.pipeline.Health(ctx)
		pipelineLatency := time.Since(pipelineStart)

		if pipelineErr != nil {
			response.Status = "unhealthy"
			response.Checks["pipeline"] = HealthCheck{
				Status:  "unhealthy",
				Message: pipelineErr.Error(),
				Latency: pipelineLatency,
			}
		} else {
			response.Checks["pipeline"] = HealthCheck{
				Status:  "healthy",
				Latency: pipelineLatency,
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

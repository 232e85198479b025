package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/engine"
)

// GenerationRequest represents a request to generate media for a story
type GenerationRequest struct {
	StoryID        uuid.UUID          `json:"story_id"`
	SceneID        *uuid.UUID         `json:"scene_id,omitempty"`
	UserID         *uuid.UUID         `json:"user_id,omitempty"`
	JobType        string             `json:"job_type"`
	Prompt         string             `json:"prompt"`
	NegativePrompt string             `json:"negative_prompt,omitempty"`
	ReferenceImage string             `json:"reference_image,omitempty"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
	Options        map[string]string  `json:"options,omitempty"`
	Seed           int64              `json:"seed,omitempty"`
	Priority       int                `json:"priority"`
	Timeout        time.Duration      `json:"timeout,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
}

// GenerationStatus represents the current status of a generation job
type GenerationStatus struct {
	JobID        string        `json:"job_id"`
	JobType      string        `json:"job_type"`
	MediaType    string        `json:"media_type"`
	Status       string        `json:"status"`
	Progress     float64       `json:"progress"` // 0-100
	Stage        string        `json:"stage,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	RetryCount   int           `json:"retry_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// GenerationResults contains the artifacts produced by a completed generation
type GenerationResults struct {
	JobID        string            `json:"job_id"`
	JobType      string            `json:"job_type"`
	Status       string            `json:"status"`
	StoryID      string            `json:"story_id,omitempty"`
	SceneID      string            `json:"scene_id,omitempty"`
	MediaType    string            `json:"media_type"`
	EngineID     string            `json:"engine_id,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Duration     time.Duration     `json:"duration,omitempty"`
	Artifacts    []engine.Artifact `json:"artifacts"`
	Summary      ResultSummary     `json:"summary"`
	Metadata     *engine.Metadata  `json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// ResultSummary provides aggregate statistics over generated artifacts
type ResultSummary struct {
	TotalArtifacts int            `json:"total_artifacts"`
	ByMediaType    map[string]int `json:"by_media_type"`
	TotalBytes     int64          `json:"total_bytes"`
}

// GenerationFilter contains filtering options for listing generations
type GenerationFilter struct {
	JobType  string          `json:"job_type,omitempty"`
	Status   queue.JobStatus `json:"status,omitempty"`
	Priority queue.Priority  `json:"priority,omitempty"`
	Since    time.Time       `json:"since,omitempty"`
	Until    time.Time       `json:"until,omitempty"`
}

// Pagination contains pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// GenerationList represents a paginated list of generations
type GenerationList struct {
	Generations []GenerationSummary `json:"generations"`
	Count       int                 `json:"count"`
	Page        int                 `json:"page"`
	PageSize    int                 `json:"page_size"`
}

// GenerationSummary provides a summary view of a generation job
type GenerationSummary struct {
	JobID      string        `json:"job_id"`
	JobType    string        `json:"job_type"`
	MediaType  string        `json:"media_type"`
	Status     string        `json:"status"`
	Priority   int           `json:"priority"`
	StoryID    string        `json:"story_id,omitempty"`
	RetryCount int           `json:"retry_count"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// ServiceStats contains statistics about the pipeline service
type ServiceStats struct {
	Status               string              `json:"status"`
	WorkerCount          int                 `json:"worker_count"`
	ActiveGenerations    int64               `json:"active_generations"`
	QueuedGenerations    int64               `json:"queued_generations"`
	CompletedGenerations int64               `json:"completed_generations"`
	FailedGenerations    int64               `json:"failed_generations"`
	DeadLetter           int64               `json:"dead_letter"`
	Uptime               time.Duration       `json:"uptime"`
	Workers              []queue.WorkerStats `json:"workers,omitempty"`
}

// MediaTypeForJobType maps a queue job type to the media type its engines produce.
// The bool reports whether the job type is a known generation type.
func MediaTypeForJobType(jobType string) (engine.MediaType, bool) {
	switch jobType {
	case queue.JobTypeStory, queue.JobTypeStoryboard:
		return engine.MediaTypeText, true
	case queue.JobTypeImage:
		return engine.MediaTypeImage, true
	case queue.JobTypeVideo, queue.JobTypeAssembly:
		return engine.MediaTypeVideo, true
	case queue.JobTypeTTS:
		return engine.MediaTypeTTS, true
	default:
		return "", false
	}
}

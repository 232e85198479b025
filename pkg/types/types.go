package types

import (
	"time"

	"github.com/google/uuid"
)

// Story represents a user-submitted story to be turned into media
type Story struct {
	ID        uuid.UUID              `json:"id"`
	Title     string                 `json:"title"`
	Synopsis  string                 `json:"synopsis"`
	Style     string                 `json:"style"`
	Scenes    []Scene                `json:"scenes"`
	Status    string                 `json:"status"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Scene represents one storyboard unit of a story
type Scene struct {
	ID          uuid.UUID `json:"id"`
	StoryID     uuid.UUID `json:"story_id"`
	Index       int       `json:"index"`
	Description string    `json:"description"`
	Narration   string    `json:"narration,omitempty"`
	DurationSec float64   `json:"duration_sec,omitempty"`
}

// GenerationJob represents a queued media generation request
type GenerationJob struct {
	ID               uuid.UUID              `json:"id"`
	StoryID          uuid.UUID              `json:"story_id"`
	SceneID          *uuid.UUID             `json:"scene_id,omitempty"`
	UserID           *uuid.UUID             `json:"user_id,omitempty"`
	MediaType        string                 `json:"media_type"`
	Prompt           string                 `json:"prompt"`
	NegativePrompt   string                 `json:"negative_prompt,omitempty"`
	Parameters       map[string]float64     `json:"parameters,omitempty"`
	Priority         int                    `json:"priority"`
	Status           string                 `json:"status"`
	EnginesRequested []string               `json:"engines_requested"`
	EnginesCompleted []string               `json:"engines_completed"`
	ArtifactIDs      []string               `json:"artifact_ids,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// GenerationRecord represents the outcome of a single engine attempt
type GenerationRecord struct {
	ID            uuid.UUID              `json:"id"`
	JobID         uuid.UUID              `json:"job_id"`
	EngineName    string                 `json:"engine_name"`
	Status        string                 `json:"status"`
	ArtifactCount int                    `json:"artifact_count"`
	DurationMS    int                    `json:"duration_ms"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	RawOutput     map[string]interface{} `json:"raw_output,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Priority levels for generation jobs
const (
	PriorityLow    = 1
	PriorityMedium = 5
	PriorityHigh   = 10
)

// Story statuses
const (
	StoryStatusDraft      = "draft"
	StoryStatusGenerating = "generating"
	StoryStatusCompleted  = "completed"
	StoryStatusFailed     = "failed"
)

// Generation job statuses
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

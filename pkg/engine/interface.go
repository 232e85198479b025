package engine

import (
	"context"
	"time"
)

// Engine defines the interface that all generation engines must implement
type Engine interface {
	// Generate executes a media generation request
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)

	// HealthCheck verifies the engine is operational
	HealthCheck(ctx context.Context) error

	// GetConfig returns engine configuration and capabilities
	GetConfig() EngineConfig

	// GetVersion returns engine and model version information
	GetVersion() VersionInfo
}

// MediaType identifies the kind of media an engine produces
type MediaType string

const (
	MediaTypeText  MediaType = "text"
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeTTS   MediaType = "tts"
)

// GenerationRequest contains the parameters for a generation call
type GenerationRequest struct {
	JobID          string             `json:"job_id"`
	StoryID        string             `json:"story_id"`
	SceneID        string             `json:"scene_id,omitempty"`
	MediaType      MediaType          `json:"media_type"`
	Prompt         string             `json:"prompt"`
	NegativePrompt string             `json:"negative_prompt,omitempty"`
	ReferenceImage string             `json:"reference_image,omitempty"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
	Options        map[string]string  `json:"options,omitempty"`
	Seed           int64              `json:"seed,omitempty"`
	Timeout        time.Duration      `json:"timeout"`
}

// GenerationResult contains the outcome of a generation call
type GenerationResult struct {
	EngineID  string           `json:"engine_id"`
	Status    GenerationStatus `json:"status"`
	Artifacts []Artifact       `json:"artifacts"`
	Metadata  Metadata         `json:"metadata"`
	Duration  time.Duration    `json:"duration"`
	Error     string           `json:"error,omitempty"`
}

// GenerationStatus represents the status of a generation
type GenerationStatus string

const (
	GenerationStatusQueued    GenerationStatus = "queued"
	GenerationStatusRunning   GenerationStatus = "running"
	GenerationStatusCompleted GenerationStatus = "completed"
	GenerationStatusFailed    GenerationStatus = "failed"
	GenerationStatusCancelled GenerationStatus = "cancelled"
	GenerationStatusTimedOut  GenerationStatus = "timed_out"
)

// Artifact describes a single produced media asset
type Artifact struct {
	ID         string    `json:"id"`
	MediaType  MediaType `json:"media_type"`
	Path       string    `json:"path"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
}

// Metadata contains additional information about the generation
type Metadata struct {
	ModelName       string            `json:"model_name"`
	ModelVersion    string            `json:"model_version"`
	Workflow        string            `json:"workflow,omitempty"`
	Seed            int64             `json:"seed"`
	Steps           int               `json:"steps"`
	QueueTimeMS     int64             `json:"queue_time_ms"`
	InferenceTimeMS int64             `json:"inference_time_ms"`
	Environment     map[string]string `json:"environment,omitempty"`
}

// EngineConfig contains configuration and capabilities of an engine
type EngineConfig struct {
	Name           string        `json:"name"`
	Version        string        `json:"version"`
	Endpoint       string        `json:"endpoint"`
	SupportedTypes []MediaType   `json:"supported_types"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxConcurrent  int           `json:"max_concurrent"`
}

// VersionInfo contains version information for the engine and loaded model
type VersionInfo struct {
	EngineVersion string `json:"engine_version"`
	ModelVersion  string `json:"model_version"`
	BuildDate     string `json:"build_date"`
	GitCommit     string `json:"git_commit"`
}

// Supports reports whether the engine can produce the given media type
func (c EngineConfig) Supports(mediaType MediaType) bool {
	for _, t := range c.SupportedTypes {
		if t == mediaType {
			return true
		}
	}
	return false
}

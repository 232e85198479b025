package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NotificationService defines the interface for sending notifications
type NotificationService interface {
	// SendGenerationCompleted sends notification when a generation job completes
	SendGenerationCompleted(ctx context.Context, notification GenerationCompletedNotification) error

	// SendGenerationFailed sends notification when a generation job fails
	SendGenerationFailed(ctx context.Context, notification GenerationFailedNotification) error

	// SendSystemIncident sends notification for platform incidents such as
	// circuit breaker trips and degradation level changes
	SendSystemIncident(ctx context.Context, notification SystemIncidentNotification) error

	// TestConnection tests the notification channel connectivity
	TestConnection(ctx context.Context, channel NotificationChannel) error

	// GetSupportedChannels returns list of supported notification channels
	GetSupportedChannels() []NotificationChannelType
}

// NotificationChannel represents a notification destination. Channels with
// a nil UserID are shared operations channels that receive events for every
// user and all system incidents.
type NotificationChannel struct {
	ID          uuid.UUID               `json:"id"`
	UserID      *uuid.UUID              `json:"user_id,omitempty"`
	Type        NotificationChannelType `json:"type"`
	Name        string                  `json:"name"`
	Config      ChannelConfig           `json:"config"`
	Enabled     bool                    `json:"enabled"`
	Preferences NotificationPreferences `json:"preferences"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// NotificationChannelType represents the type of notification channel
type NotificationChannelType string

const (
	ChannelTypeSlack   NotificationChannelType = "slack"
	ChannelTypeTeams   NotificationChannelType = "teams"
	ChannelTypeEmail   NotificationChannelType = "email"
	ChannelTypeWebhook NotificationChannelType = "webhook"
)

// ChannelConfig contains channel-specific configuration
type ChannelConfig struct {
	// Slack configuration
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	SlackChannel    string `json:"slack_channel,omitempty"`
	SlackUsername   string `json:"slack_username,omitempty"`

	// Teams configuration
	TeamsWebhookURL string `json:"teams_webhook_url,omitempty"`

	// Email configuration
	EmailAddress string `json:"email_address,omitempty"`
	SMTPServer   string `json:"smtp_server,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPUsername string `json:"smtp_username,omitempty"`
	SMTPPassword string `json:"smtp_password,omitempty"`

	// Webhook configuration
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookSecret  string            `json:"webhook_secret,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
}

// NotificationPreferences defines when to send notifications
type NotificationPreferences struct {
	GenerationCompleted bool       `json:"generation_completed"`
	GenerationFailed    bool       `json:"generation_failed"`
	SystemIncidents     bool       `json:"system_incidents"`
	MinSeverity         string     `json:"min_severity"`          // critical, warning, info
	MediaTypes          []string   `json:"media_types,omitempty"` // specific media types to notify for
	TimeWindow          TimeWindow `json:"time_window"`           // when to send notifications
}

// TimeWindow defines when notifications should be sent
type TimeWindow struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"` // HH:MM format
	EndTime   string `json:"end_time"`   // HH:MM format
	Timezone  string `json:"timezone"`   // IANA timezone
	Weekdays  []int  `json:"weekdays"`   // 0=Sunday, 1=Monday, etc.
}

// GenerationCompletedNotification contains data for completed generation jobs
type GenerationCompletedNotification struct {
	JobID        uuid.UUID     `json:"job_id"`
	StoryID      uuid.UUID     `json:"story_id"`
	SceneID      *uuid.UUID    `json:"scene_id,omitempty"`
	MediaType    string        `json:"media_type"`
	Engine       string        `json:"engine"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"duration"`
	Artifacts    ArtifactCount `json:"artifacts"`
	DashboardURL string        `json:"dashboard_url"`
	UserID       *uuid.UUID    `json:"user_id,omitempty"`
}

// GenerationFailedNotification contains data for failed generation jobs
type GenerationFailedNotification struct {
	JobID        uuid.UUID     `json:"job_id"`
	StoryID      uuid.UUID     `json:"story_id"`
	SceneID      *uuid.UUID    `json:"scene_id,omitempty"`
	MediaType    string        `json:"media_type"`
	Engine       string        `json:"engine"`
	Error        string        `json:"error"`
	Category     string        `json:"category,omitempty"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
	DashboardURL string        `json:"dashboard_url"`
	UserID       *uuid.UUID    `json:"user_id,omitempty"`
}

// SystemIncidentNotification contains data for platform incident notifications.
// Incidents are not tied to a user and only reach shared operations channels.
type SystemIncidentNotification struct {
	ID           string       `json:"id"`
	Kind         IncidentKind `json:"kind"`
	Severity     string       `json:"severity"` // critical, warning, info
	Component    string       `json:"component"`
	Title        string       `json:"title"`
	Detail       string       `json:"detail"`
	OccurredAt   time.Time    `json:"occurred_at"`
	DashboardURL string       `json:"dashboard_url"`
}

// IncidentKind classifies system incidents
type IncidentKind string

const (
	IncidentBreakerOpened      IncidentKind = "breaker_opened"
	IncidentDegradationChanged IncidentKind = "degradation_changed"
	IncidentEngineUnavailable  IncidentKind = "engine_unavailable"
)

// Incident severities ordered from least to most urgent
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ArtifactCount represents the count of produced artifacts by kind
type ArtifactCount struct {
	Images int `json:"images"`
	Videos int `json:"videos"`
	Audio  int `json:"audio"`
	Total  int `json:"total"`
}

// NotificationEvent represents a notification event for audit logging
type NotificationEvent struct {
	ID        uuid.UUID             `json:"id"`
	ChannelID uuid.UUID             `json:"channel_id"`
	Type      NotificationEventType `json:"type"`
	Status    NotificationStatus    `json:"status"`
	Message   string                `json:"message"`
	Error     string                `json:"error,omitempty"`
	Metadata  MetadataMap           `json:"metadata,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// NotificationEventType represents the type of notification event
type NotificationEventType string

const (
	EventTypeGenerationCompleted NotificationEventType = "generation_completed"
	EventTypeGenerationFailed    NotificationEventType = "generation_failed"
	EventTypeSystemIncident      NotificationEventType = "system_incident"
	EventTypeTest                NotificationEventType = "test"
)

// NotificationStatus represents the status of a notification
type NotificationStatus string

const (
	StatusPending NotificationStatus = "pending"
	StatusSent    NotificationStatus = "sent"
	StatusFailed  NotificationStatus = "failed"
	StatusSkipped NotificationStatus = "skipped"
)

// NotificationFilter defines filtering criteria for notification events
type NotificationFilter struct {
	UserID      *uuid.UUID               `json:"user_id,omitempty"`
	ChannelType *NotificationChannelType `json:"channel_type,omitempty"`
	EventType   *NotificationEventType   `json:"event_type,omitempty"`
	Status      *NotificationStatus      `json:"status,omitempty"`
	DateFrom    *time.Time               `json:"date_from,omitempty"`
	DateTo      *time.Time               `json:"date_to,omitempty"`
}

// NotificationStats represents notification statistics
type NotificationStats struct {
	TotalSent    int64                             `json:"total_sent"`
	TotalFailed  int64                             `json:"total_failed"`
	ByChannel    map[NotificationChannelType]int64 `json:"by_channel"`
	ByEventType  map[NotificationEventType]int64   `json:"by_event_type"`
	RecentEvents []NotificationEvent               `json:"recent_events"`
	LastUpdated  time.Time                         `json:"last_updated"`
}

// MetadataMap is a wrapper type for JSON serialization
type MetadataMap map[string]interface{}

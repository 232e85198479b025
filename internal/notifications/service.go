package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service implements the NotificationService interface
type Service struct {
	logger    *zap.Logger
	channels  map[NotificationChannelType]ChannelHandler
	templates TemplateManager
	repo      NotificationRepository
	mu        sync.RWMutex
}

// ChannelHandler defines the interface for channel-specific notification handlers
type ChannelHandler interface {
	Send(ctx context.Context, channel NotificationChannel, message NotificationMessage) error
	Test(ctx context.Context, channel NotificationChannel) error
	GetChannelType() NotificationChannelType
}

// NotificationMessage represents a formatted notification message
type NotificationMessage struct {
	Subject     string                   `json:"subject"`
	Body        string                   `json:"body"`
	Format      string                   `json:"format"`
	Attachments []NotificationAttachment `json:"attachments,omitempty"`
	Metadata    map[string]interface{}   `json:"metadata,omitempty"`
}

// NotificationAttachment represents a file attachment
type NotificationAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
	URL         string `json:"url,omitempty"`
}

// TemplateManager handles notification templates
type TemplateManager interface {
	RenderGenerationCompleted(notification GenerationCompletedNotification, format string) (NotificationMessage, error)
	RenderGenerationFailed(notification GenerationFailedNotification, format string) (NotificationMessage, error)
	RenderSystemIncident(notification SystemIncidentNotification, format string) (NotificationMessage, error)
}

// NotificationRepository handles persistence of notification data
type NotificationRepository interface {
	CreateChannel(ctx context.Context, channel *NotificationChannel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*NotificationChannel, error)
	GetChannelsByUser(ctx context.Context, userID uuid.UUID) ([]NotificationChannel, error)
	GetSharedChannels(ctx context.Context) ([]NotificationChannel, error)
	UpdateChannel(ctx context.Context, channel *NotificationChannel) error
	DeleteChannel(ctx context.Context, id uuid.UUID) error

	LogEvent(ctx context.Context, event *NotificationEvent) error
	GetEvents(ctx context.Context, filter NotificationFilter, limit, offset int) ([]NotificationEvent, int64, error)
	GetStats(ctx context.Context, filter NotificationFilter) (*NotificationStats, error)
}

// NewService creates a new notification service
func NewService(logger *zap.Logger, repo NotificationRepository, templates TemplateManager) *Service {
	return &Service{
		logger:    logger,
		channels:  make(map[NotificationChannelType]ChannelHandler),
		templates: templates,
		repo:      repo,
	}
}

// RegisterChannelHandler registers a handler for a specific channel type
func (s *Service) RegisterChannelHandler(handler ChannelHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[handler.GetChannelType()] = handler
}

// SendGenerationCompleted sends notification when a generation job completes
func (s *Service) SendGenerationCompleted(ctx context.Context, notification GenerationCompletedNotification) error {
	s.logger.Info("Sending generation completed notification",
		zap.String("job_id", notification.JobID.String()),
		zap.String("media_type", notification.MediaType),
		zap.String("status", notification.Status))

	channels, err := s.getNotificationChannels(ctx, notification.UserID)
	if err != nil {
		return fmt.Errorf("failed to get notification channels: %w", err)
	}

	filteredChannels := s.filterChannelsForGenerationCompleted(channels, notification)

	var errs []error
	for _, channel := range filteredChannels {
		if err := s.sendGenerationCompletedToChannel(ctx, channel, notification); err != nil {
			s.logger.Error("Failed to send generation completed notification",
				zap.String("channel_id", channel.ID.String()),
				zap.String("channel_type", string(channel.Type)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to send to %d channels: %v", len(errs), errs)
	}

	return nil
}

// SendGenerationFailed sends notification when a generation job fails
func (s *Service) SendGenerationFailed(ctx context.Context, notification GenerationFailedNotification) error {
	s.logger.Info("Sending generation failed notification",
		zap.String("job_id", notification.JobID.String()),
		zap.String("media_type", notification.MediaType),
		zap.String("error", notification.Error))

	channels, err := s.getNotificationChannels(ctx, notification.UserID)
	if err != nil {
		return fmt.Errorf("failed to get notification channels: %w", err)
	}

	filteredChannels := s.filterChannelsForGenerationFailed(channels, notification)

	var errs []error
	for _, channel := range filteredChannels {
		if err := s.sendGenerationFailedToChannel(ctx, channel, notification); err != nil {
			s.logger.Error("Failed to send generation failed notification",
				zap.String("channel_id", channel.ID.String()),
				zap.String("channel_type", string(channel.Type)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to send to %d channels: %v", len(errs), errs)
	}

	return nil
}

// SendSystemIncident sends notification for platform incidents. Incidents go
// to shared operations channels only.
func (s *Service) SendSystemIncident(ctx context.Context, notification SystemIncidentNotification) error {
	s.logger.Info("Sending system incident notification",
		zap.String("incident_id", notification.ID),
		zap.String("kind", string(notification.Kind)),
		zap.String("component", notification.Component),
		zap.String("severity", notification.Severity))

	channels, err := s.getNotificationChannels(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get notification channels: %w", err)
	}

	filteredChannels := s.filterChannelsForSystemIncident(channels, notification)

	var errs []error
	for _, channel := range filteredChannels {
		if err := s.sendSystemIncidentToChannel(ctx, channel, notification); err != nil {
			s.logger.Error("Failed to send system incident notification",
				zap.String("channel_id", channel.ID.String()),
				zap.String("channel_type", string(channel.Type)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to send to %d channels: %v", len(errs), errs)
	}

	return nil
}

// TestConnection tests the notification channel connectivity
func (s *Service) TestConnection(ctx context.Context, channel NotificationChannel) error {
	s.mu.RLock()
	handler, exists := s.channels[channel.Type]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no handler registered for channel type: %s", channel.Type)
	}

	event := &NotificationEvent{
		ID:        uuid.New(),
		ChannelID: channel.ID,
		Type:      EventTypeTest,
		Status:    StatusPending,
		Message:   "Testing connection",
		CreatedAt: time.Now(),
	}

	if err := s.repo.LogEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to log test event", zap.Error(err))
	}

	err := handler.Test(ctx, channel)

	if err != nil {
		event.Status = StatusFailed
		event.Error = err.Error()
	} else {
		event.Status = StatusSent
	}

	if updateErr := s.repo.LogEvent(ctx, event); updateErr != nil {
		s.logger.Warn("Failed to update test event", zap.Error(updateErr))
	}

	return err
}

// GetSupportedChannels returns list of supported notification channels
func (s *Service) GetSupportedChannels() []NotificationChannelType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]NotificationChannelType, 0, len(s.channels))
	for channelType := range s.channels {
		channels = append(channels, channelType)
	}

	return channels
}

// SeedOpsChannels ensures shared operations channels exist for the configured
// webhooks. Seeded channels receive failures and incidents but not routine
// completions, which would drown an ops channel on a busy platform.
func (s *Service) SeedOpsChannels(ctx context.Context, slackWebhookURL, teamsWebhookURL string) error {
	existing, err := s.repo.GetSharedChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list shared channels: %w", err)
	}

	present := make(map[NotificationChannelType]bool)
	for _, channel := range existing {
		present[channel.Type] = true
	}

	opsPreferences := NotificationPreferences{
		GenerationCompleted: false,
		GenerationFailed:    true,
		SystemIncidents:     true,
		MinSeverity:         SeverityWarning,
	}

	if slackWebhookURL != "" && !present[ChannelTypeSlack] {
		channel := &NotificationChannel{
			Name: "ops-slack",
			Type: ChannelTypeSlack,
			Config: ChannelConfig{
				SlackWebhookURL: slackWebhookURL,
				SlackChannel:    "#storyforge-ops",
				SlackUsername:   "StoryForge",
			},
			Enabled:     true,
			Preferences: opsPreferences,
		}
		if err := s.repo.CreateChannel(ctx, channel); err != nil {
			return fmt.Errorf("failed to seed slack ops channel: %w", err)
		}
		s.logger.Info("Seeded shared Slack ops channel", zap.String("channel_id", channel.ID.String()))
	}

	if teamsWebhookURL != "" && !present[ChannelTypeTeams] {
		channel := &NotificationChannel{
			Name: "ops-teams",
			Type: ChannelTypeTeams,
			Config: ChannelConfig{
				TeamsWebhookURL: teamsWebhookURL,
			},
			Enabled:     true,
			Preferences: opsPreferences,
		}
		if err := s.repo.CreateChannel(ctx, channel); err != nil {
			return fmt.Errorf("failed to seed teams ops channel: %w", err)
		}
		s.logger.Info("Seeded shared Teams ops channel", zap.String("channel_id", channel.ID.String()))
	}

	return nil
}

// Helper methods

func (s *Service) getNotificationChannels(ctx context.Context, userID *uuid.UUID) ([]NotificationChannel, error) {
	var channels []NotificationChannel

	if userID != nil {
		userChannels, err := s.repo.GetChannelsByUser(ctx, *userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get user channels: %w", err)
		}
		channels = append(channels, userChannels...)
	}

	sharedChannels, err := s.repo.GetSharedChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get shared channels: %w", err)
	}
	channels = append(channels, sharedChannels...)

	var enabledChannels []NotificationChannel
	for _, channel := range channels {
		if channel.Enabled {
			enabledChannels = append(enabledChannels, channel)
		}
	}

	return enabledChannels, nil
}

func (s *Service) filterChannelsForGenerationCompleted(channels []NotificationChannel, notification GenerationCompletedNotification) []NotificationChannel {
	var filtered []NotificationChannel

	for _, channel := range channels {
		if !channel.Preferences.GenerationCompleted {
			continue
		}

		if !s.matchesMediaTypes(channel.Preferences.MediaTypes, notification.MediaType) {
			continue
		}

		if !s.isWithinTimeWindow(channel.Preferences.TimeWindow) {
			continue
		}

		filtered = append(filtered, channel)
	}

	return filtered
}

func (s *Service) filterChannelsForGenerationFailed(channels []NotificationChannel, notification GenerationFailedNotification) []NotificationChannel {
	var filtered []NotificationChannel

	for _, channel := range channels {
		if !channel.Preferences.GenerationFailed {
			continue
		}

		if !s.matchesMediaTypes(channel.Preferences.MediaTypes, notification.MediaType) {
			continue
		}

		if !s.isWithinTimeWindow(channel.Preferences.TimeWindow) {
			continue
		}

		filtered = append(filtered, channel)
	}

	return filtered
}

func (s *Service) filterChannelsForSystemIncident(channels []NotificationChannel, notification SystemIncidentNotification) []NotificationChannel {
	var filtered []NotificationChannel

	for _, channel := range channels {
		if !channel.Preferences.SystemIncidents {
			continue
		}

		if !s.meetsSeverityThreshold(notification.Severity, channel.Preferences.MinSeverity) {
			continue
		}

		if !s.isWithinTimeWindow(channel.Preferences.TimeWindow) {
			continue
		}

		filtered = append(filtered, channel)
	}

	return filtered
}

func (s *Service) matchesMediaTypes(allowed []string, mediaType string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == mediaType {
			return true
		}
	}
	return false
}

func (s *Service) isWithinTimeWindow(window TimeWindow) bool {
	if !window.Enabled {
		return true
	}

	now := time.Now()

	loc, err := time.LoadLocation(window.Timezone)
	if err != nil {
		s.logger.Warn("Invalid timezone, using UTC", zap.String("timezone", window.Timezone))
		loc = time.UTC
	}

	nowInTz := now.In(loc)

	if len(window.Weekdays) > 0 {
		currentWeekday := int(nowInTz.Weekday())
		found := false
		for _, day := range window.Weekdays {
			if day == currentWeekday {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if window.StartTime != "" && window.EndTime != "" {
		currentTime := nowInTz.Format("15:04")
		if currentTime < window.StartTime || currentTime > window.EndTime {
			return false
		}
	}

	return true
}

func (s *Service) meetsSeverityThreshold(incidentSeverity, minSeverity string) bool {
	severityLevels := map[string]int{
		SeverityInfo:     1,
		SeverityWarning:  2,
		SeverityCritical: 3,
	}

	incidentLevel, exists := severityLevels[incidentSeverity]
	if !exists {
		return false
	}

	minLevel, exists := severityLevels[minSeverity]
	if !exists {
		return true // If min severity is not set or invalid, allow all
	}

	return incidentLevel >= minLevel
}

func (s *Service) sendGenerationCompletedToChannel(ctx context.Context, channel NotificationChannel, notification GenerationCompletedNotification) error {
	return s.sendToChannel(ctx, channel, func() (NotificationMessage, error) {
		return s.templates.RenderGenerationCompleted(notification, s.getFormatForChannel(channel.Type))
	}, EventTypeGenerationCompleted, map[string]interface{}{
		"job_id":     notification.JobID.String(),
		"story_id":   notification.StoryID.String(),
		"media_type": notification.MediaType,
		"status":     notification.Status,
	})
}

func (s *Service) sendGenerationFailedToChannel(ctx context.Context, channel NotificationChannel, notification GenerationFailedNotification) error {
	return s.sendToChannel(ctx, channel, func() (NotificationMessage, error) {
		return s.templates.RenderGenerationFailed(notification, s.getFormatForChannel(channel.Type))
	}, EventTypeGenerationFailed, map[string]interface{}{
		"job_id":     notification.JobID.String(),
		"story_id":   notification.StoryID.String(),
		"media_type": notification.MediaType,
		"error":      notification.Error,
	})
}

func (s *Service) sendSystemIncidentToChannel(ctx context.Context, channel NotificationChannel, notification SystemIncidentNotification) error {
	return s.sendToChannel(ctx, channel, func() (NotificationMessage, error) {
		return s.templates.RenderSystemIncident(notification, s.getFormatForChannel(channel.Type))
	}, EventTypeSystemIncident, map[string]interface{}{
		"incident_id": notification.ID,
		"kind":        string(notification.Kind),
		"component":   notification.Component,
		"severity":    notification.Severity,
	})
}

func (s *Service) sendToChannel(ctx context.Context, channel NotificationChannel, messageFunc func() (NotificationMessage, error), eventType NotificationEventType, metadata map[string]interface{}) error {
	s.mu.RLock()
	handler, exists := s.channels[channel.Type]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no handler registered for channel type: %s", channel.Type)
	}

	event := &NotificationEvent{
		ID:        uuid.New(),
		ChannelID: channel.ID,
		Type:      eventType,
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	if err := s.repo.LogEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to log notification event", zap.Error(err))
	}

	message, err := messageFunc()
	if err != nil {
		event.Status = StatusFailed
		event.Error = fmt.Sprintf("Failed to render message: %v", err)
		s.repo.LogEvent(ctx, event)
		return fmt.Errorf("failed to render message: %w", err)
	}

	event.Message = message.Subject

	err = handler.Send(ctx, channel, message)
	if err != nil {
		event.Status = StatusFailed
		event.Error = err.Error()
		s.repo.LogEvent(ctx, event)
		return fmt.Errorf("failed to send message: %w", err)
	}

	event.Status = StatusSent
	if updateErr := s.repo.LogEvent(ctx, event); updateErr != nil {
		s.logger.Warn("Failed to update notification event", zap.Error(updateErr))
	}

	return nil
}

func (s *Service) getFormatForChannel(channelType NotificationChannelType) string {
	switch channelType {
	case ChannelTypeSlack, ChannelTypeTeams:
		return "markdown"
	case ChannelTypeEmail:
		return "html"
	default:
		return "text"
	}
}

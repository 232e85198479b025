package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/notifications"
)

// TeamsHandler implements notification sending to Microsoft Teams
type TeamsHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// TeamsMessage represents a Microsoft Teams message payload
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title,omitempty"`
	Text       string         `json:"text,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
	Actions    []TeamsAction  `json:"potentialAction,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityImage    string      `json:"activityImage,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Text             string      `json:"text,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TeamsAction represents an action button in a Teams message
type TeamsAction struct {
	Type    string        `json:"@type"`
	Name    string        `json:"name"`
	Targets []TeamsTarget `json:"targets,omitempty"`
}

// TeamsTarget represents a target for a Teams action
type TeamsTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

// NewTeamsHandler creates a new Microsoft Teams notification handler
func NewTeamsHandler(logger *zap.Logger) *TeamsHandler {
	return &TeamsHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send sends a notification to Microsoft Teams
func (h *TeamsHandler) Send(ctx context.Context, channel notifications.NotificationChannel, message notifications.NotificationMessage) error {
	if channel.Config.TeamsWebhookURL == "" {
		return fmt.Errorf("teams webhook URL not configured")
	}

	teamsMessage := h.buildTeamsMessage(channel, message)

	payload, err := json.Marshal(teamsMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal teams message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", channel.Config.TeamsWebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send teams message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("teams API returned status %d", resp.StatusCode)
	}

	h.logger.Info("Successfully sent Teams notification",
		zap.String("channel_id", channel.ID.String()),
		zap.String("webhook_url", maskWebhookURL(channel.Config.TeamsWebhookURL)))

	return nil
}

// Test tests the Microsoft Teams channel connectivity
func (h *TeamsHandler) Test(ctx context.Context, channel notifications.NotificationChannel) error {
	if channel.Config.TeamsWebhookURL == "" {
		return fmt.Errorf("teams webhook URL not configured")
	}

	testMessage := notifications.NotificationMessage{
		Subject: "StoryForge Test Notification",
		Body:    "This is a test notification from StoryForge. If you receive this, your Microsoft Teams integration is working correctly!",
		Format:  "markdown",
	}

	return h.Send(ctx, channel, testMessage)
}

// GetChannelType returns the channel type
func (h *TeamsHandler) GetChannelType() notifications.NotificationChannelType {
	return notifications.ChannelTypeTeams
}

// buildTeamsMessage converts a generic notification message to Teams format
func (h *TeamsHandler) buildTeamsMessage(channel notifications.NotificationChannel, message notifications.NotificationMessage) TeamsMessage {
	teamsMessage := TeamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Summary: message.Subject,
		Title:   message.Subject,
		Text:    message.Body,
	}

	// Set theme color based on message type or severity
	if eventType, exists := message.Metadata["event_type"]; exists {
		switch eventType {
		case "generation_completed":
			if status, exists := message.Metadata["status"]; exists && status == "completed" {
				teamsMessage.ThemeColor = "00FF00" // Green
			} else {
				teamsMessage.ThemeColor = "FFA500" // Orange
			}
		case "generation_failed":
			teamsMessage.ThemeColor = "FF0000" // Red
		case "system_incident":
			if severity, exists := message.Metadata["severity"]; exists && severity == "critical" {
				teamsMessage.ThemeColor = "FF0000" // Red
			} else {
				teamsMessage.ThemeColor = "FFA500" // Orange
			}
		default:
			teamsMessage.ThemeColor = "0078D4" // Microsoft Blue
		}
	} else {
		teamsMessage.ThemeColor = "0078D4" // Microsoft Blue
	}

	// Create section with facts
	section := TeamsSection{
		ActivityTitle: "StoryForge",
		Markdown:      true,
	}

	// Add facts from metadata
	var facts []TeamsFact

	if storyID, exists := message.Metadata["story_id"]; exists {
		facts = append(facts, TeamsFact{
			Name:  "Story",
			Value: fmt.Sprintf("%v", storyID),
		})
	}

	if mediaType, exists := message.Metadata["media_type"]; exists {
		facts = append(facts, TeamsFact{
			Name:  "Media",
			Value: fmt.Sprintf("%v", mediaType),
		})
	}

	if engine, exists := message.Metadata["engine"]; exists {
		facts = append(facts, TeamsFact{
			Name:  "Engine",
			Value: fmt.Sprintf("%v", engine),
		})
	}

	if component, exists := message.Metadata["component"]; exists {
		facts = append(facts, TeamsFact{
			Name:  "Component",
			Value: fmt.Sprintf("%v", component),
		})
	}

	if artifacts, exists := message.Metadata["artifacts"]; exists {
		if count, ok := artifacts.(map[string]interface{}); ok {
			var countText string
			if images, exists := count["images"]; exists {
				countText += fmt.Sprintf("Images: %v  ", images)
			}
			if videos, exists := count["videos"]; exists {
				countText += fmt.Sprintf("Videos: %v  ", videos)
			}
			if audio, exists := count["audio"]; exists {
				countText += fmt.Sprintf("Audio: %v", audio)
			}
			if countText != "" {
				facts = append(facts, TeamsFact{
					Name:  "Artifacts",
					Value: countText,
				})
			}
		}
	}

	if duration, exists := message.Metadata["duration"]; exists {
		facts = append(facts, TeamsFact{
			Name:  "Duration",
			Value: fmt.Sprintf("%v", duration),
		})
	}

	if len(facts) > 0 {
		section.Facts = facts
	}

	teamsMessage.Sections = []TeamsSection{section}

	// Add action button if dashboard URL is available
	if dashboardURL, exists := message.Metadata["dashboard_url"]; exists && dashboardURL != "" {
		action := TeamsAction{
			Type: "OpenUri",
			Name: "View in StoryForge",
			Targets: []TeamsTarget{
				{
					OS:  "default",
					URI: fmt.Sprintf("%v", dashboardURL),
				},
			},
		}
		teamsMessage.Actions = []TeamsAction{action}
	}

	return teamsMessage
}

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

// SlackHandler implements notification sending to Slack
type SlackHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
	Blocks      []SlackBlock      `json:"blocks,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackBlock represents a Slack block element
type SlackBlock struct {
	Type string     `json:"type"`
	Text *SlackText `json:"text,omitempty"`
}

// SlackText represents text in a Slack block
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewSlackHandler creates a new Slack notification handler
func NewSlackHandler(logger *zap.Logger) *SlackHandler {
	return &SlackHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send sends a notification to Slack
func (h *SlackHandler) Send(ctx context.Context, channel notifications.NotificationChannel, message notifications.NotificationMessage) error {
	if channel.Config.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	slackMessage := h.buildSlackMessage(channel, message)

	payload, err := json.Marshal(slackMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", channel.Config.SlackWebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	h.logger.Info("Successfully sent Slack notification",
		zap.String("channel_id", channel.ID.String()),
		zap.String("webhook_url", maskWebhookURL(channel.Config.SlackWebhookURL)))

	return nil
}

// Test tests the Slack channel connectivity
func (h *SlackHandler) Test(ctx context.Context, channel notifications.NotificationChannel) error {
	if channel.Config.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	testMessage := notifications.NotificationMessage{
		Subject: "StoryForge Test Notification",
		Body:    "This is a test notification from StoryForge. If you receive this, your Slack integration is working correctly!",
		Format:  "markdown",
	}

	return h.Send(ctx, channel, testMessage)
}

// GetChannelType returns the channel type
func (h *SlackHandler) GetChannelType() notifications.NotificationChannelType {
	return notifications.ChannelTypeSlack
}

// buildSlackMessage converts a generic notification message to Slack format
func (h *SlackHandler) buildSlackMessage(channel notifications.NotificationChannel, message notifications.NotificationMessage) SlackMessage {
	slackMessage := SlackMessage{
		Text:     message.Subject,
		Username: channel.Config.SlackUsername,
		Channel:  channel.Config.SlackChannel,
	}

	// Set icon based on message metadata
	if severity, exists := message.Metadata["severity"]; exists {
		switch severity {
		case "critical":
			slackMessage.IconEmoji = ":rotating_light:"
		case "warning":
			slackMessage.IconEmoji = ":warning:"
		case "info":
			slackMessage.IconEmoji = ":information_source:"
		default:
			slackMessage.IconEmoji = ":clapper:"
		}
	} else {
		slackMessage.IconEmoji = ":clapper:"
	}

	// Create attachment for rich formatting
	attachment := SlackAttachment{
		Text:      message.Body,
		Footer:    "StoryForge",
		Timestamp: time.Now().Unix(),
	}

	// Set color based on message type or severity
	if eventType, exists := message.Metadata["event_type"]; exists {
		switch eventType {
		case "generation_completed":
			if status, exists := message.Metadata["status"]; exists && status == "completed" {
				attachment.Color = "good" // Green
			} else {
				attachment.Color = "warning" // Yellow
			}
		case "generation_failed":
			attachment.Color = "danger" // Red
		case "system_incident":
			if severity, exists := message.Metadata["severity"]; exists && severity == "critical" {
				attachment.Color = "danger" // Red
			} else {
				attachment.Color = "warning" // Yellow
			}
		default:
			attachment.Color = "#36a64f" // Default green
		}
	}

	// Add fields from metadata
	if storyID, exists := message.Metadata["story_id"]; exists {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Story",
			Value: fmt.Sprintf("%v", storyID),
			Short: true,
		})
	}

	if mediaType, exists := message.Metadata["media_type"]; exists {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Media",
			Value: fmt.Sprintf("%v", mediaType),
			Short: true,
		})
	}

	if engine, exists := message.Metadata["engine"]; exists {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Engine",
			Value: fmt.Sprintf("%v", engine),
			Short: true,
		})
	}

	if component, exists := message.Metadata["component"]; exists {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Component",
			Value: fmt.Sprintf("%v", component),
			Short: true,
		})
	}

	if artifacts, exists := message.Metadata["artifacts"]; exists {
		if count, ok := artifacts.(map[string]interface{}); ok {
			var countText string
			if images, exists := count["images"]; exists {
				countText += fmt.Sprintf("Images: %v ", images)
			}
			if videos, exists := count["videos"]; exists {
				countText += fmt.Sprintf("Videos: %v ", videos)
			}
			if audio, exists := count["audio"]; exists {
				countText += fmt.Sprintf("Audio: %v", audio)
			}
			if countText != "" {
				attachment.Fields = append(attachment.Fields, SlackField{
					Title: "Artifacts",
					Value: countText,
					Short: true,
				})
			}
		}
	}

	if dashboardURL, exists := message.Metadata["dashboard_url"]; exists && dashboardURL != "" {
		attachment.TitleLink = fmt.Sprintf("%v", dashboardURL)
		attachment.Title = "View in StoryForge"
	}

	slackMessage.Attachments = []SlackAttachment{attachment}

	return slackMessage
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}

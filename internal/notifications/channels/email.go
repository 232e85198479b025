package channels

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/notifications"
)

// EmailHandler implements notification sending via email
type EmailHandler struct {
	logger *zap.Logger
}

// EmailMessage represents an email message
type EmailMessage struct {
	From        string
	To          []string
	Subject     string
	Body        string
	ContentType string
	Headers     map[string]string
}

// NewEmailHandler creates a new email notification handler
func NewEmailHandler(logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		logger: logger,
	}
}

// Send sends a notification via email
func (h *EmailHandler) Send(ctx context.Context, channel notifications.NotificationChannel, message notifications.NotificationMessage) error {
	if channel.Config.EmailAddress == "" {
		return fmt.Errorf("email address not configured")
	}

	if channel.Config.SMTPServer == "" {
		return fmt.Errorf("SMTP server not configured")
	}

	emailMsg := h.buildEmailMessage(channel, message)

	if err := h.sendEmail(ctx, channel.Config, emailMsg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	h.logger.Info("Successfully sent email notification",
		zap.String("channel_id", channel.ID.String()),
		zap.String("to", channel.Config.EmailAddress),
		zap.String("smtp_server", channel.Config.SMTPServer))

	return nil
}

// Test tests the email channel connectivity
func (h *EmailHandler) Test(ctx context.Context, channel notifications.NotificationChannel) error {
	if channel.Config.EmailAddress == "" {
		return fmt.Errorf("email address not configured")
	}

	if channel.Config.SMTPServer == "" {
		return fmt.Errorf("SMTP server not configured")
	}

	testMessage := notifications.NotificationMessage{
		Subject: "StoryForge Test Notification",
		Body:    "This is a test notification from StoryForge. If you receive this, your email integration is working correctly!",
		Format:  "html",
	}

	return h.Send(ctx, channel, testMessage)
}

// GetChannelType returns the channel type
func (h *EmailHandler) GetChannelType() notifications.NotificationChannelType {
	return notifications.ChannelTypeEmail
}

// buildEmailMessage converts a generic notification message to email format
func (h *EmailHandler) buildEmailMessage(channel notifications.NotificationChannel, message notifications.NotificationMessage) EmailMessage {
	emailMsg := EmailMessage{
		From:    "noreply@storyforge.dev",
		To:      []string{channel.Config.EmailAddress},
		Subject: message.Subject,
		Headers: make(map[string]string),
	}

	details := h.detailRows(message.Metadata)

	switch message.Format {
	case "html":
		emailMsg.Body = h.wrapHTML(message.Body, details)
		emailMsg.ContentType = "text/html; charset=UTF-8"
	case "markdown":
		emailMsg.Body = h.wrapHTML(h.markdownToHTML(message.Body), details)
		emailMsg.ContentType = "text/html; charset=UTF-8"
	default:
		emailMsg.Body = message.Body
		emailMsg.ContentType = "text/plain; charset=UTF-8"
	}

	emailMsg.Headers["X-Mailer"] = "StoryForge"
	emailMsg.Headers["X-Priority"] = "3"

	// Failures and incidents jump the inbox queue
	if eventType, exists := message.Metadata["event_type"]; exists {
		switch eventType {
		case "system_incident":
			emailMsg.Headers["X-Priority"] = "1"
			emailMsg.Headers["Importance"] = "high"
		case "generation_failed":
			emailMsg.Headers["X-Priority"] = "2"
			emailMsg.Headers["Importance"] = "high"
		}
	}

	return emailMsg
}

// detailRows builds the generation detail table rows from message
// metadata, in a fixed display order.
func (h *EmailHandler) detailRows(metadata map[string]interface{}) [][2]string {
	var rows [][2]string

	labels := [][2]string{
		{"story_id", "Story"},
		{"media_type", "Media"},
		{"engine", "Engine"},
		{"component", "Component"},
		{"severity", "Severity"},
	}
	for _, label := range labels {
		if value, exists := metadata[label[0]]; exists {
			rows = append(rows, [2]string{label[1], fmt.Sprintf("%v", value)})
		}
	}

	if artifacts, exists := metadata["artifacts"]; exists {
		if count, ok := artifacts.(map[string]interface{}); ok {
			var parts []string
			for _, kind := range [][2]string{{"images", "Images"}, {"videos", "Videos"}, {"audio", "Audio"}} {
				if n, exists := count[kind[0]]; exists {
					parts = append(parts, fmt.Sprintf("%s: %v", kind[1], n))
				}
			}
			if len(parts) > 0 {
				rows = append(rows, [2]string{"Artifacts", strings.Join(parts, ", ")})
			}
		}
	}

	if dashboardURL, exists := metadata["dashboard_url"]; exists && dashboardURL != "" {
		rows = append(rows, [2]string{"Dashboard", fmt.Sprintf("%v", dashboardURL)})
	}

	return rows
}

// sendEmail sends an email using SMTP
func (h *EmailHandler) sendEmail(ctx context.Context, config notifications.ChannelConfig, msg EmailMessage) error {
	message := h.buildMIMEMessage(msg)

	var auth smtp.Auth
	if config.SMTPUsername != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUsername, config.SMTPPassword, config.SMTPServer)
	}

	port := config.SMTPPort
	if port == 0 {
		port = 587
	}
	serverAddr := fmt.Sprintf("%s:%d", config.SMTPServer, port)

	done := make(chan error, 1)
	go func() {
		if port == 465 {
			// Implicit TLS
			done <- h.sendEmailTLS(serverAddr, auth, msg.From, msg.To, message)
		} else {
			// STARTTLS (587, 25)
			done <- smtp.SendMail(serverAddr, auth, msg.From, msg.To, []byte(message))
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("email send timeout")
	}
}

// sendEmailTLS sends email over an implicit TLS connection
func (h *EmailHandler) sendEmailTLS(serverAddr string, auth smtp.Auth, from string, to []string, message string) error {
	tlsConfig := &tls.Config{
		ServerName: strings.Split(serverAddr, ":")[0],
	}

	conn, err := tls.Dial("tcp", serverAddr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, tlsConfig.ServerName)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Quit()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", recipient, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}

	if _, err := writer.Write([]byte(message)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return writer.Close()
}

// buildMIMEMessage builds a MIME-formatted email message
func (h *EmailHandler) buildMIMEMessage(msg EmailMessage) string {
	var message strings.Builder

	message.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	message.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	message.WriteString(fmt.Sprintf("Content-Type: %s\r\n", msg.ContentType))
	message.WriteString("MIME-Version: 1.0\r\n")

	for key, value := range msg.Headers {
		message.WriteString(fmt.Sprintf("%s: %s\r\n", key, value))
	}

	message.WriteString("\r\n")
	message.WriteString(msg.Body)

	return message.String()
}

// markdownToHTML renders the small markdown subset the templates emit:
// line-leading headers, paired **bold**, line breaks.
func (h *EmailHandler) markdownToHTML(markdown string) string {
	var out []string

	for _, line := range strings.Split(markdown, "\n") {
		switch {
		case strings.HasPrefix(line, "### "):
			out = append(out, "<h3>"+renderBold(strings.TrimPrefix(line, "### "))+"</h3>")
		case strings.HasPrefix(line, "## "):
			out = append(out, "<h2>"+renderBold(strings.TrimPrefix(line, "## "))+"</h2>")
		case strings.HasPrefix(line, "# "):
			out = append(out, "<h1>"+renderBold(strings.TrimPrefix(line, "# "))+"</h1>")
		case line == "":
			out = append(out, "<br>")
		default:
			out = append(out, renderBold(line)+"<br>")
		}
	}

	return strings.Join(out, "\n")
}

// renderBold replaces paired ** markers with strong tags. An unpaired
// trailing marker is left as-is.
func renderBold(line string) string {
	var b strings.Builder
	open := false
	for {
		idx := strings.Index(line, "**")
		if idx < 0 {
			b.WriteString(line)
			break
		}
		b.WriteString(line[:idx])
		if open {
			b.WriteString("</strong>")
		} else {
			rest := line[idx+2:]
			if !strings.Contains(rest, "**") {
				b.WriteString(line[idx:])
				break
			}
			b.WriteString("<strong>")
		}
		open = !open
		line = line[idx+2:]
	}
	return b.String()
}

// wrapHTML wraps rendered content and the detail table in the standard
// notification layout.
func (h *EmailHandler) wrapHTML(content string, details [][2]string) string {
	var detailBlock string
	if len(details) > 0 {
		var rows strings.Builder
		for _, row := range details {
			rows.WriteString(fmt.Sprintf("        <tr><td class=\"label\">%s</td><td>%s</td></tr>\n", row[0], row[1]))
		}
		detailBlock = fmt.Sprintf("\n    <table class=\"details\">\n%s    </table>", rows.String())
	}

	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>StoryForge Notification</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .header { background-color: #f4f4f4; padding: 20px; border-radius: 5px; }
        .content { padding: 20px; }
        .details { border-collapse: collapse; margin-top: 10px; }
        .details td { padding: 4px 12px 4px 0; }
        .details .label { color: #666; }
        .footer { background-color: #f4f4f4; padding: 10px; text-align: center; font-size: 12px; }
    </style>
</head>
<body>
    <div class="header">
        <h2>StoryForge</h2>
    </div>
    <div class="content">
        %s%s
    </div>
    <div class="footer">
        <p>This notification was sent by StoryForge</p>
    </div>
</body>
</html>`, content, detailBlock)
}

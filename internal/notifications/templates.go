package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	textTemplate "text/template"
	"time"

	"github.com/google/uuid"
)

// DefaultTemplateManager implements the TemplateManager interface
type DefaultTemplateManager struct {
	textTemplates map[string]*textTemplate.Template
	htmlTemplates map[string]*template.Template
}

// NewDefaultTemplateManager creates a new template manager with default templates
func NewDefaultTemplateManager() *DefaultTemplateManager {
	tm := &DefaultTemplateManager{
		textTemplates: make(map[string]*textTemplate.Template),
		htmlTemplates: make(map[string]*template.Template),
	}

	tm.loadDefaultTemplates()
	return tm
}

// RenderGenerationCompleted renders a generation completed notification
func (tm *DefaultTemplateManager) RenderGenerationCompleted(notification GenerationCompletedNotification, format string) (NotificationMessage, error) {
	templateName := "generation_completed"

	sceneID := ""
	if notification.SceneID != nil {
		sceneID = shortID(*notification.SceneID)
	}

	data := map[string]interface{}{
		"JobID":        shortID(notification.JobID),
		"StoryID":      shortID(notification.StoryID),
		"SceneID":      sceneID,
		"MediaType":    notification.MediaType,
		"Engine":       notification.Engine,
		"Status":       notification.Status,
		"Duration":     formatDuration(notification.Duration),
		"Artifacts":    notification.Artifacts,
		"DashboardURL": notification.DashboardURL,
		"Timestamp":    time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
	}

	subject, body, err := tm.renderTemplate(templateName, format, data)
	if err != nil {
		return NotificationMessage{}, err
	}

	return NotificationMessage{
		Subject: subject,
		Body:    body,
		Format:  format,
		Metadata: map[string]interface{}{
			"event_type": "generation_completed",
			"job_id":     notification.JobID.String(),
			"story_id":   shortID(notification.StoryID),
			"media_type": notification.MediaType,
			"engine":     notification.Engine,
			"status":     notification.Status,
			"artifacts": map[string]interface{}{
				"images": notification.Artifacts.Images,
				"videos": notification.Artifacts.Videos,
				"audio":  notification.Artifacts.Audio,
				"total":  notification.Artifacts.Total,
			},
			"dashboard_url": notification.DashboardURL,
			"duration":      formatDuration(notification.Duration),
		},
	}, nil
}

// RenderGenerationFailed renders a generation failed notification
func (tm *DefaultTemplateManager) RenderGenerationFailed(notification GenerationFailedNotification, format string) (NotificationMessage, error) {
	templateName := "generation_failed"

	data := map[string]interface{}{
		"JobID":        shortID(notification.JobID),
		"StoryID":      shortID(notification.StoryID),
		"MediaType":    notification.MediaType,
		"Engine":       notification.Engine,
		"Error":        notification.Error,
		"Category":     notification.Category,
		"Attempts":     notification.Attempts,
		"Duration":     formatDuration(notification.Duration),
		"DashboardURL": notification.DashboardURL,
		"Timestamp":    time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
	}

	subject, body, err := tm.renderTemplate(templateName, format, data)
	if err != nil {
		return NotificationMessage{}, err
	}

	return NotificationMessage{
		Subject: subject,
		Body:    body,
		Format:  format,
		Metadata: map[string]interface{}{
			"event_type":    "generation_failed",
			"job_id":        notification.JobID.String(),
			"story_id":      shortID(notification.StoryID),
			"media_type":    notification.MediaType,
			"engine":        notification.Engine,
			"error":         notification.Error,
			"category":      notification.Category,
			"dashboard_url": notification.DashboardURL,
			"duration":      formatDuration(notification.Duration),
		},
	}, nil
}

// RenderSystemIncident renders a system incident notification
func (tm *DefaultTemplateManager) RenderSystemIncident(notification SystemIncidentNotification, format string) (NotificationMessage, error) {
	templateName := "system_incident"

	occurredAt := notification.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	data := map[string]interface{}{
		"Title":        notification.Title,
		"Component":    notification.Component,
		"Severity":     notification.Severity,
		"Kind":         string(notification.Kind),
		"Detail":       notification.Detail,
		"DashboardURL": notification.DashboardURL,
		"Timestamp":    occurredAt.UTC().Format("2006-01-02 15:04:05 UTC"),
	}

	subject, body, err := tm.renderTemplate(templateName, format, data)
	if err != nil {
		return NotificationMessage{}, err
	}

	return NotificationMessage{
		Subject: subject,
		Body:    body,
		Format:  format,
		Metadata: map[string]interface{}{
			"event_type":    "system_incident",
			"incident_id":   notification.ID,
			"kind":          string(notification.Kind),
			"component":     notification.Component,
			"severity":      notification.Severity,
			"dashboard_url": notification.DashboardURL,
		},
	}, nil
}

// renderTemplate renders a template with the given data
func (tm *DefaultTemplateManager) renderTemplate(templateName, format string, data map[string]interface{}) (string, string, error) {
	var subjectBuf, bodyBuf bytes.Buffer

	switch format {
	case "html":
		subjectTemplate, exists := tm.htmlTemplates[templateName+"_subject"]
		if !exists {
			return "", "", fmt.Errorf("HTML subject template not found: %s", templateName)
		}

		bodyTemplate, exists := tm.htmlTemplates[templateName+"_body"]
		if !exists {
			return "", "", fmt.Errorf("HTML body template not found: %s", templateName)
		}

		if err := subjectTemplate.Execute(&subjectBuf, data); err != nil {
			return "", "", fmt.Errorf("failed to execute HTML subject template: %w", err)
		}

		if err := bodyTemplate.Execute(&bodyBuf, data); err != nil {
			return "", "", fmt.Errorf("failed to execute HTML body template: %w", err)
		}

	case "markdown", "text":
		subjectTemplate, exists := tm.textTemplates[templateName+"_subject"]
		if !exists {
			return "", "", fmt.Errorf("text subject template not found: %s", templateName)
		}

		bodyTemplate, exists := tm.textTemplates[templateName+"_body"]
		if !exists {
			return "", "", fmt.Errorf("text body template not found: %s", templateName)
		}

		if err := subjectTemplate.Execute(&subjectBuf, data); err != nil {
			return "", "", fmt.Errorf("failed to execute text subject template: %w", err)
		}

		if err := bodyTemplate.Execute(&bodyBuf, data); err != nil {
			return "", "", fmt.Errorf("failed to execute text body template: %w", err)
		}

	default:
		return "", "", fmt.Errorf("unsupported format: %s", format)
	}

	return strings.TrimSpace(subjectBuf.String()), bodyBuf.String(), nil
}

// loadDefaultTemplates loads the default notification templates
func (tm *DefaultTemplateManager) loadDefaultTemplates() {
	// Generation Completed Templates
	tm.textTemplates["generation_completed_subject"] = textTemplate.Must(textTemplate.New("generation_completed_subject").Parse(
		"✅ Generation completed: {{.MediaType}} for story {{.StoryID}}",
	))

	tm.textTemplates["generation_completed_body"] = textTemplate.Must(textTemplate.New("generation_completed_body").Parse(
		`**Generation Completed Successfully**

Job: {{.JobID}}
Story: {{.StoryID}}
{{if .SceneID}}Scene: {{.SceneID}}
{{end}}Media: {{.MediaType}}
Engine: {{.Engine}}
Status: {{.Status}}
Duration: {{.Duration}}

**Artifacts:**
- Images: {{.Artifacts.Images}}
- Videos: {{.Artifacts.Videos}}
- Audio: {{.Artifacts.Audio}}
- Total: {{.Artifacts.Total}}

{{if .DashboardURL}}[View Results]({{.DashboardURL}}){{end}}

Finished at {{.Timestamp}}`,
	))

	tm.htmlTemplates["generation_completed_subject"] = template.Must(template.New("generation_completed_subject").Parse(
		"✅ Generation completed: {{.MediaType}} for story {{.StoryID}}",
	))

	tm.htmlTemplates["generation_completed_body"] = template.Must(template.New("generation_completed_body").Parse(
		`<h2>Generation Completed Successfully</h2>

<table style="border-collapse: collapse; width: 100%;">
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Job:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.JobID}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Story:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.StoryID}}</td></tr>
{{if .SceneID}}<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Scene:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.SceneID}}</td></tr>
{{end}}<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Media:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.MediaType}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Engine:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Engine}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Status:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Status}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Duration:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Duration}}</td></tr>
</table>

<h3>Artifacts</h3>
<ul>
<li>Images: {{.Artifacts.Images}}</li>
<li>Videos: {{.Artifacts.Videos}}</li>
<li>Audio: {{.Artifacts.Audio}}</li>
<li><strong>Total: {{.Artifacts.Total}}</strong></li>
</ul>

{{if .DashboardURL}}<p><a href="{{.DashboardURL}}" style="background-color: #0366d6; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">View Results</a></p>{{end}}

<p><small>Finished at {{.Timestamp}}</small></p>`,
	))

	// Generation Failed Templates
	tm.textTemplates["generation_failed_subject"] = textTemplate.Must(textTemplate.New("generation_failed_subject").Parse(
		"❌ Generation failed: {{.MediaType}} for story {{.StoryID}}",
	))

	tm.textTemplates["generation_failed_body"] = textTemplate.Must(textTemplate.New("generation_failed_body").Parse(
		`**Generation Failed**

Job: {{.JobID}}
Story: {{.StoryID}}
Media: {{.MediaType}}
Engine: {{.Engine}}
{{if .Category}}Category: {{.Category}}
{{end}}Attempts: {{.Attempts}}
Duration: {{.Duration}}

**Error:**
{{.Error}}

{{if .DashboardURL}}[View Details]({{.DashboardURL}}){{end}}

Failed at {{.Timestamp}}`,
	))

	tm.htmlTemplates["generation_failed_subject"] = template.Must(template.New("generation_failed_subject").Parse(
		"❌ Generation failed: {{.MediaType}} for story {{.StoryID}}",
	))

	tm.htmlTemplates["generation_failed_body"] = template.Must(template.New("generation_failed_body").Parse(
		`<h2 style="color: #d73a49;">Generation Failed</h2>

<table style="border-collapse: collapse; width: 100%;">
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Job:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.JobID}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Story:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.StoryID}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Media:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.MediaType}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Engine:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Engine}}</td></tr>
{{if .Category}}<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Category:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Category}}</td></tr>
{{end}}<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Attempts:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Attempts}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Duration:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Duration}}</td></tr>
</table>

<h3>Error Details</h3>
<div style="background-color: #f8f8f8; padding: 15px; border-left: 4px solid #d73a49; margin: 15px 0;">
<pre style="margin: 0; white-space: pre-wrap;">{{.Error}}</pre>
</div>

{{if .DashboardURL}}<p><a href="{{.DashboardURL}}" style="background-color: #6f42c1; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">View Details</a></p>{{end}}

<p><small>Failed at {{.Timestamp}}</small></p>`,
	))

	// System Incident Templates
	tm.textTemplates["system_incident_subject"] = textTemplate.Must(textTemplate.New("system_incident_subject").Parse(
		"🚨 {{.Title}}",
	))

	tm.textTemplates["system_incident_body"] = textTemplate.Must(textTemplate.New("system_incident_body").Parse(
		`**System Incident**

Component: {{.Component}}
Severity: {{.Severity}}
Kind: {{.Kind}}

**Detail:**
{{.Detail}}

{{if .DashboardURL}}[View Status]({{.DashboardURL}}){{end}}

Occurred at {{.Timestamp}}`,
	))

	tm.htmlTemplates["system_incident_subject"] = template.Must(template.New("system_incident_subject").Parse(
		"🚨 {{.Title}}",
	))

	tm.htmlTemplates["system_incident_body"] = template.Must(template.New("system_incident_body").Parse(
		`<h2 style="color: #d73a49;">System Incident</h2>

<table style="border-collapse: collapse; width: 100%;">
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Component:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Component}}</td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Severity:</strong></td><td style="padding: 8px; border: 1px solid #ddd;"><span style="color: #d73a49; font-weight: bold;">{{.Severity}}</span></td></tr>
<tr><td style="padding: 8px; border: 1px solid #ddd;"><strong>Kind:</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Kind}}</td></tr>
</table>

<h3>Detail</h3>
<p>{{.Detail}}</p>

{{if .DashboardURL}}<p><a href="{{.DashboardURL}}" style="background-color: #d73a49; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">View Status</a></p>{{end}}

<p><small>Occurred at {{.Timestamp}}</small></p>`,
	))
}

// shortID returns the first uuid group, enough to eyeball a job in chat
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	} else {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/notifications"
	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/resilience"
)

const notifySendTimeout = 15 * time.Second

// notifyingHandler wraps the generation dispatcher so job outcomes are
// pushed through the notification service. Sends run detached from the
// job context so a slow webhook cannot hold a worker slot.
type notifyingHandler struct {
	inner    queue.JobHandler
	notifier *notifications.Service
	logger   *logging.Logger
}

func newNotifyingHandler(inner queue.JobHandler, notifier *notifications.Service) *notifyingHandler {
	return &notifyingHandler{
		inner:    inner,
		notifier: notifier,
		logger:   logging.GetLogger(),
	}
}

func (h *notifyingHandler) CanHandle(jobType string) bool {
	return h.inner.CanHandle(jobType)
}

func (h *notifyingHandler) Handle(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	result, err := h.inner.Handle(ctx, job)
	if err != nil {
		// Notify only the attempt that exhausts the retry budget;
		// earlier failures requeue silently. Cancellations stay quiet,
		// the user asked for them.
		exhausted := job.Metadata.RetryCount+1 >= job.Metadata.MaxRetries
		if exhausted && ctx.Err() != context.Canceled {
			h.notifyFailed(job, err)
		}
		return result, err
	}

	h.notifyCompleted(job, result)
	return result, nil
}

func (h *notifyingHandler) notifyCompleted(job *queue.Job, result *queue.JobResult) {
	jobID, err := uuid.Parse(job.ID)
	if err != nil {
		return
	}

	n := notifications.GenerationCompletedNotification{
		JobID:     jobID,
		StoryID:   payloadUUID(job, "story_id"),
		SceneID:   payloadUUIDPtr(job, "scene_id"),
		UserID:    payloadUUIDPtr(job, "user_id"),
		MediaType: mediaTypeLabel(job.Type),
		Status:    string(engine.GenerationStatusCompleted),
		Duration:  jobDuration(job),
		Artifacts: artifactCount(job.Type, result),
	}
	if result != nil {
		if name, ok := result.Result["engine"].(string); ok {
			n.Engine = name
		}
		if status, ok := result.Result["status"].(string); ok {
			n.Status = status
		}
	}

	h.send("completion", job.ID, func(ctx context.Context) error {
		return h.notifier.SendGenerationCompleted(ctx, n)
	})
}

func (h *notifyingHandler) notifyFailed(job *queue.Job, execErr error) {
	jobID, parseErr := uuid.Parse(job.ID)
	if parseErr != nil {
		return
	}

	n := notifications.GenerationFailedNotification{
		JobID:     jobID,
		StoryID:   payloadUUID(job, "story_id"),
		SceneID:   payloadUUIDPtr(job, "scene_id"),
		UserID:    payloadUUIDPtr(job, "user_id"),
		MediaType: mediaTypeLabel(job.Type),
		Error:     execErr.Error(),
		Category:  string(errors.GetType(execErr)),
		Attempts:  job.Metadata.RetryCount + 1,
		Duration:  jobDuration(job),
	}

	h.send("failure", job.ID, func(ctx context.Context) error {
		return h.notifier.SendGenerationFailed(ctx, n)
	})
}

func (h *notifyingHandler) send(kind, jobID string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifySendTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.logger.Warn("Failed to send generation notification",
				"kind", kind,
				"job_id", jobID,
				"error", err)
		}
	}()
}

// incidentHooks layers ops incident notifications over the hooks already
// present in the manager config.
func incidentHooks(cfg *resilience.ManagerConfig, notifier *notifications.Service) {
	logger := logging.GetLogger()

	send := func(incident notifications.SystemIncidentNotification) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifySendTimeout)
			defer cancel()
			if err := notifier.SendSystemIncident(ctx, incident); err != nil {
				logger.Warn("Failed to send incident notification",
					"kind", string(incident.Kind),
					"component", incident.Component,
					"error", err)
			}
		}()
	}

	onBreaker := cfg.OnBreakerStateChange
	cfg.OnBreakerStateChange = func(name string, from, to resilience.CircuitState) {
		if onBreaker != nil {
			onBreaker(name, from, to)
		}
		if to != resilience.StateOpen {
			return
		}
		send(notifications.SystemIncidentNotification{
			ID:         uuid.New().String(),
			Kind:       notifications.IncidentBreakerOpened,
			Severity:   notifications.SeverityCritical,
			Component:  name,
			Title:      fmt.Sprintf("Circuit breaker %s opened", name),
			Detail:     fmt.Sprintf("Transitioned from %s, calls fail fast until the recovery timeout elapses", from),
			OccurredAt: time.Now(),
		})
	}

	onDegradation := cfg.OnDegradationChange
	cfg.OnDegradationChange = func(domain string, from, to resilience.DegradationLevel) {
		if onDegradation != nil {
			onDegradation(domain, from, to)
		}

		severity := notifications.SeverityWarning
		title := fmt.Sprintf("Generation domain %s degraded to %s", domain, to)
		if to > from {
			severity = notifications.SeverityInfo
			title = fmt.Sprintf("Generation domain %s restored to %s", domain, to)
		}
		send(notifications.SystemIncidentNotification{
			ID:         uuid.New().String(),
			Kind:       notifications.IncidentDegradationChanged,
			Severity:   severity,
			Component:  domain,
			Title:      title,
			Detail:     fmt.Sprintf("Serving capacity moved from %s to %s", from, to),
			OccurredAt: time.Now(),
		})
	}
}

func payloadUUID(job *queue.Job, key string) uuid.UUID {
	value, ok := job.PayloadString(key)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func payloadUUIDPtr(job *queue.Job, key string) *uuid.UUID {
	id := payloadUUID(job, key)
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func jobDuration(job *queue.Job) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	return time.Since(*job.StartedAt)
}

func mediaTypeLabel(jobType string) string {
	if mediaType, ok := pipeline.MediaTypeForJobType(jobType); ok {
		return string(mediaType)
	}
	return jobType
}

func artifactCount(jobType string, result *queue.JobResult) notifications.ArtifactCount {
	count := 0
	if result != nil {
		if v, ok := result.Result["artifact_count"].(int); ok {
			count = v
		}
	}

	artifacts := notifications.ArtifactCount{Total: count}
	mediaType, _ := pipeline.MediaTypeForJobType(jobType)
	switch mediaType {
	case engine.MediaTypeImage:
		artifacts.Images = count
	case engine.MediaTypeVideo:
		artifacts.Videos = count
	case engine.MediaTypeTTS:
		artifacts.Audio = count
	}
	return artifacts
}

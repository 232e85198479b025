package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/logging"
)

// Queue is a Redis-backed priority queue for generation jobs
type Queue struct {
	redis  *RedisClient
	name   string
	config QueueConfig
	logger *logging.Logger
}

// QueueConfig contains queue configuration
type QueueConfig struct {
	DefaultTimeout  time.Duration `json:"default_timeout"`
	RetryDelay      time.Duration `json:"retry_delay"`
	JobTTL          time.Duration `json:"job_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultQueueConfig returns default queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DefaultTimeout:  15 * time.Minute,
		RetryDelay:      30 * time.Second,
		JobTTL:          24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
	}
}

// NewQueue creates a new generation job queue
func NewQueue(redis *RedisClient, name string, config QueueConfig) *Queue {
	if config.JobTTL <= 0 {
		config.JobTTL = 24 * time.Hour
	}
	return &Queue{
		redis:  redis,
		name:   name,
		config: config,
		logger: logging.GetLogger(),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Redis key patterns
func (q *Queue) queueKey(priority Priority) string {
	return fmt.Sprintf("queue:%s:priority:%d", q.name, priority)
}

func (q *Queue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.name, jobID)
}

func (q *Queue) resultKey(jobID string) string {
	return fmt.Sprintf("result:%s:%s", q.name, jobID)
}

func (q *Queue) cancelKey(jobID string) string {
	return fmt.Sprintf("cancel:%s:%s", q.name, jobID)
}

func (q *Queue) processingKey() string {
	return fmt.Sprintf("processing:%s", q.name)
}

func (q *Queue) scheduledKey() string {
	return fmt.Sprintf("scheduled:%s", q.name)
}

func (q *Queue) statsKey() string {
	return fmt.Sprintf("stats:%s", q.name)
}

func (q *Queue) deadLetterKey() string {
	return fmt.Sprintf("dead:%s", q.name)
}

// Enqueue adds a job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.NewValidationError("job cannot be nil")
	}
	if job.Type == "" {
		return errors.NewValidationError("job type is required")
	}

	job.Status = JobStatusQueued
	job.UpdatedAt = time.Now()
	if job.Metadata.Timeout <= 0 {
		job.Metadata.Timeout = q.config.DefaultTimeout
	}

	jobData, err := job.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize job").WithCause(err)
	}

	if err := q.redis.Set(ctx, q.jobKey(job.ID), jobData, q.config.JobTTL); err != nil {
		return errors.NewInternalError("failed to store job data").WithCause(err)
	}

	if job.ScheduledAt != nil && job.ScheduledAt.After(time.Now()) {
		score := float64(job.ScheduledAt.Unix())
		if err := q.redis.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  score,
			Member: job.ID,
		}); err != nil {
			return errors.NewInternalError("failed to schedule job").WithCause(err)
		}
	} else {
		if err := q.redis.LPush(ctx, q.queueKey(job.Priority), job.ID); err != nil {
			return errors.NewInternalError("failed to enqueue job").WithCause(err)
		}
	}

	q.updateStats(ctx, "enqueued", job.Type)
	q.logger.Debug("Job enqueued",
		"job_id", job.ID,
		"type", job.Type,
		"priority", int(job.Priority),
		"queue", q.name,
	)

	return nil
}

// Dequeue removes and returns the next queued job, highest priority
// first. It returns a not found error when every priority list is
// empty.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	if err := q.moveScheduledJobs(ctx); err != nil {
		q.logger.Warn("Failed to promote scheduled jobs", "queue", q.name, "error", err.Error())
	}

	priorities := []Priority{PriorityHigh, PriorityMedium, PriorityLow}

	for _, priority := range priorities {
		result, err := q.redis.BRPop(ctx, 1*time.Second, q.queueKey(priority))
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				continue
			}
			return nil, errors.NewInternalError("failed to dequeue job").WithCause(err)
		}

		if len(result) < 2 {
			continue
		}

		jobID := result[1]

		job, err := q.getJob(ctx, jobID)
		if err != nil {
			// The job payload expired or was removed, drop the orphaned ID.
			q.redis.Del(ctx, q.jobKey(jobID))
			continue
		}

		now := time.Now()
		job.Status = JobStatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		job.Metadata.WorkerID = workerID

		if err := q.updateJob(ctx, job); err != nil {
			return nil, errors.NewInternalError("failed to update job status").WithCause(err)
		}

		if err := q.redis.ZAdd(ctx, q.processingKey(), redis.Z{
			Score:  float64(now.Add(job.Metadata.Timeout).Unix()),
			Member: jobID,
		}); err != nil {
			return nil, errors.NewInternalError("failed to add job to processing").WithCause(err)
		}

		return job, nil
	}

	return nil, errors.NewNotFoundError("job")
}

// Complete marks a job as completed and stores its result
func (q *Queue) Complete(ctx context.Context, jobID string, result *JobResult) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = JobStatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now

	if err := q.updateJob(ctx, job); err != nil {
		return err
	}

	if err := q.redis.ZRem(ctx, q.processingKey(), jobID); err != nil {
		q.logger.Warn("Failed to remove completed job from processing set",
			"job_id", jobID,
			"error", err.Error(),
		)
	}

	if result != nil {
		resultData, err := json.Marshal(result)
		if err == nil {
			q.redis.Set(ctx, q.resultKey(jobID), resultData, q.config.JobTTL)
		}
	}

	q.updateStats(ctx, "completed", job.Type)
	q.logger.Info("Job completed",
		"job_id", jobID,
		"type", job.Type,
		"queue", q.name,
	)

	return nil
}

// Fail marks a job attempt as failed. Jobs with retry budget left are
// rescheduled after the retry delay, the rest land in the dead letter
// queue.
func (q *Queue) Fail(ctx context.Context, jobID string, errorMsg string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Metadata.ErrorMsg = errorMsg
	job.Metadata.RetryCount++
	job.UpdatedAt = time.Now()

	if job.CanRetry() {
		job.Status = JobStatusRetrying
		retryAt := time.Now().Add(job.Metadata.RetryDelay)
		job.ScheduledAt = &retryAt

		if err := q.updateJob(ctx, job); err != nil {
			return err
		}

		if err := q.redis.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  float64(retryAt.Unix()),
			Member: jobID,
		}); err != nil {
			return errors.NewInternalError("failed to schedule retry").WithCause(err)
		}

		q.logger.Warn("Job failed, scheduled for retry",
			"job_id", jobID,
			"type", job.Type,
			"retry", job.Metadata.RetryCount,
			"max_retries", job.Metadata.MaxRetries,
			"error", errorMsg,
		)
	} else {
		now := time.Now()
		job.Status = JobStatusFailed
		job.CompletedAt = &now

		if err := q.updateJob(ctx, job); err != nil {
			return err
		}

		if err := q.redis.LPush(ctx, q.deadLetterKey(), jobID); err != nil {
			q.logger.Warn("Failed to move job to dead letter queue",
				"job_id", jobID,
				"error", err.Error(),
			)
		}

		q.logger.Error("Job failed permanently",
			"job_id", jobID,
			"type", job.Type,
			"retries", job.Metadata.RetryCount,
			"error", errorMsg,
		)
	}

	q.redis.ZRem(ctx, q.processingKey(), jobID)

	if job.Status == JobStatusFailed {
		q.updateStats(ctx, "failed", job.Type)
	} else {
		q.updateStats(ctx, "retried", job.Type)
	}

	return nil
}

// Cancel cancels a job. Queued and scheduled jobs are cancelled
// immediately; running jobs get a cancellation marker their worker
// observes, and terminal jobs cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case JobStatusQueued, JobStatusRetrying:
		now := time.Now()
		job.Status = JobStatusCancelled
		job.CompletedAt = &now
		job.UpdatedAt = now

		if err := q.updateJob(ctx, job); err != nil {
			return err
		}

		for _, priority := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
			q.redis.LRem(ctx, q.queueKey(priority), 0, jobID)
		}
		q.redis.ZRem(ctx, q.scheduledKey(), jobID)

		q.updateStats(ctx, "cancelled", job.Type)
		q.logger.Info("Job cancelled", "job_id", jobID, "type", job.Type)
		return nil

	case JobStatusRunning:
		return q.RequestCancel(ctx, jobID)

	default:
		return errors.NewValidationError(fmt.Sprintf("job in status %s cannot be cancelled", job.Status))
	}
}

// RequestCancel marks a running job for cooperative cancellation. The
// worker processing it observes the marker and stops.
func (q *Queue) RequestCancel(ctx context.Context, jobID string) error {
	if err := q.redis.Set(ctx, q.cancelKey(jobID), "1", q.config.JobTTL); err != nil {
		return errors.NewInternalError("failed to set cancellation marker").WithCause(err)
	}
	q.logger.Info("Cancellation requested for running job", "job_id", jobID)
	return nil
}

// IsCancelRequested reports whether a cancellation marker exists for
// the job
func (q *Queue) IsCancelRequested(ctx context.Context, jobID string) bool {
	_, err := q.redis.Get(ctx, q.cancelKey(jobID))
	return err == nil
}

// MarkCancelled finalizes a cooperative cancellation after the worker
// has stopped the job
func (q *Queue) MarkCancelled(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now

	if err := q.updateJob(ctx, job); err != nil {
		return err
	}

	q.redis.ZRem(ctx, q.processingKey(), jobID)
	q.redis.Del(ctx, q.cancelKey(jobID))

	q.updateStats(ctx, "cancelled", job.Type)
	q.logger.Info("Running job cancelled", "job_id", jobID, "type", job.Type)
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.getJob(ctx, jobID)
}

// GetResult retrieves the stored result of a completed job
func (q *Queue) GetResult(ctx context.Context, jobID string) (*JobResult, error) {
	data, err := q.redis.Get(ctx, q.resultKey(jobID))
	if err != nil {
		return nil, err
	}

	var result JobResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, errors.NewInternalError("failed to deserialize job result").WithCause(err)
	}
	return &result, nil
}

// ListJobs lists jobs with optional filtering. Listing scans the job
// keyspace, so it is meant for operational views, not hot paths.
func (q *Queue) ListJobs(ctx context.Context, filter JobFilter, limit, offset int) ([]*Job, error) {
	var jobs []*Job
	pattern := fmt.Sprintf("job:%s:*", q.name)

	keys, err := q.redis.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	start := offset
	end := offset + limit
	if end > len(keys) {
		end = len(keys)
	}
	if start >= len(keys) {
		return jobs, nil
	}

	for i := start; i < end; i++ {
		jobData, err := q.redis.Get(ctx, keys[i])
		if err != nil {
			continue
		}

		job, err := FromJSON([]byte(jobData))
		if err != nil {
			continue
		}

		if q.matchesFilter(job, filter) {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		ByStatus:   make(map[JobStatus]int64),
		ByType:     make(map[string]int64),
		ByPriority: make(map[Priority]int64),
	}

	for _, priority := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		length, err := q.redis.LLen(ctx, q.queueKey(priority))
		if err == nil {
			stats.ByPriority[priority] = length
			stats.ByStatus[JobStatusQueued] += length
			stats.Total += length
		}
	}

	scheduledCount, err := q.redis.ZCard(ctx, q.scheduledKey())
	if err == nil {
		stats.ByStatus[JobStatusRetrying] += scheduledCount
		stats.Total += scheduledCount
	}

	processingCount, err := q.redis.ZCard(ctx, q.processingKey())
	if err == nil {
		stats.ByStatus[JobStatusRunning] = processingCount
		stats.Total += processingCount
	}

	deadCount, err := q.redis.LLen(ctx, q.deadLetterKey())
	if err == nil {
		stats.DeadLetter = deadCount
	}

	counters, err := q.redis.HGetAll(ctx, q.statsKey())
	if err == nil {
		for field, value := range counters {
			count, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			// Counter fields are "<action>:<job type>".
			action, jobType, found := strings.Cut(field, ":")
			if !found {
				continue
			}
			if action == "completed" || action == "failed" {
				stats.ByType[jobType] += count
			}
		}
	}

	return stats, nil
}

// Cleanup requeues or fails jobs whose processing deadline passed and
// promotes scheduled jobs that are ready
func (q *Queue) Cleanup(ctx context.Context) error {
	now := time.Now()

	expiredJobs, err := q.redis.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	})
	if err == nil {
		for _, jobID := range expiredJobs {
			if err := q.Fail(ctx, jobID, "job processing timeout"); err != nil {
				q.logger.Warn("Failed to expire stuck job",
					"job_id", jobID,
					"error", err.Error(),
				)
			}
		}
	}

	return q.moveScheduledJobs(ctx)
}

// Helper methods

func (q *Queue) getJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.redis.Get(ctx, q.jobKey(jobID))
	if err != nil {
		return nil, err
	}

	job, err := FromJSON([]byte(jobData))
	if err != nil {
		return nil, errors.NewInternalError("failed to deserialize job").WithCause(err)
	}

	return job, nil
}

func (q *Queue) updateJob(ctx context.Context, job *Job) error {
	jobData, err := job.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize job").WithCause(err)
	}

	return q.redis.Set(ctx, q.jobKey(job.ID), jobData, q.config.JobTTL)
}

func (q *Queue) moveScheduledJobs(ctx context.Context) error {
	now := time.Now()

	readyJobs, err := q.redis.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	})
	if err != nil {
		return err
	}

	for _, jobID := range readyJobs {
		job, err := q.getJob(ctx, jobID)
		if err != nil {
			q.redis.ZRem(ctx, q.scheduledKey(), jobID)
			continue
		}

		q.redis.ZRem(ctx, q.scheduledKey(), jobID)

		job.Status = JobStatusQueued
		job.ScheduledAt = nil
		job.UpdatedAt = time.Now()

		if err := q.updateJob(ctx, job); err != nil {
			continue
		}

		if err := q.redis.LPush(ctx, q.queueKey(job.Priority), jobID); err != nil {
			continue
		}
	}

	return nil
}

func (q *Queue) updateStats(ctx context.Context, action, jobType string) {
	field := fmt.Sprintf("%s:%s", action, jobType)
	if err := q.redis.HIncrBy(ctx, q.statsKey(), field, 1); err != nil {
		q.logger.Debug("Failed to update queue stats",
			"queue", q.name,
			"field", field,
			"error", err.Error(),
		)
	}
}

func (q *Queue) matchesFilter(job *Job, filter JobFilter) bool {
	if filter.Type != "" && job.Type != filter.Type {
		return false
	}
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.Priority != 0 && job.Priority != filter.Priority {
		return false
	}
	if !filter.Since.IsZero() && job.CreatedAt.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && job.CreatedAt.After(filter.Until) {
		return false
	}
	return true
}

package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/errors"
)

// Redis key layout. Channels are long-lived configuration, events are a
// rolling audit log that expires after the retention period.
const (
	channelKeyPrefix   = "notifications:channel:"
	userIndexKeyPrefix = "notifications:channels:user:"
	sharedIndexKey     = "notifications:channels:shared"
	eventKeyPrefix     = "notifications:event:"
	eventIndexKey      = "notifications:events"
)

// DefaultEventRetention bounds how long notification events are queryable
const DefaultEventRetention = 7 * 24 * time.Hour

// RedisRepository implements NotificationRepository on the shared Redis
// coordination plane. Channel records are stored as JSON blobs with sorted
// set indexes per owner, ordered by creation time.
type RedisRepository struct {
	redis     *queue.RedisClient
	retention time.Duration
}

// NewRedisRepository creates a new Redis notification repository
func NewRedisRepository(redisClient *queue.RedisClient, eventRetention time.Duration) *RedisRepository {
	if eventRetention <= 0 {
		eventRetention = DefaultEventRetention
	}
	return &RedisRepository{
		redis:     redisClient,
		retention: eventRetention,
	}
}

// CreateChannel creates a new notification channel
func (r *RedisRepository) CreateChannel(ctx context.Context, channel *NotificationChannel) error {
	if channel.ID == uuid.Nil {
		channel.ID = uuid.New()
	}
	channel.CreatedAt = time.Now()
	channel.UpdatedAt = time.Now()

	if err := r.writeChannel(ctx, channel); err != nil {
		return fmt.Errorf("failed to create notification channel: %w", err)
	}

	member := redis.Z{Score: float64(channel.CreatedAt.Unix()), Member: channel.ID.String()}
	if err := r.redis.ZAdd(ctx, r.indexKeyFor(channel), member); err != nil {
		return fmt.Errorf("failed to index notification channel: %w", err)
	}

	return nil
}

// GetChannel retrieves a notification channel by ID
func (r *RedisRepository) GetChannel(ctx context.Context, id uuid.UUID) (*NotificationChannel, error) {
	data, err := r.redis.Get(ctx, channelKeyPrefix+id.String())
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, fmt.Errorf("notification channel not found")
		}
		return nil, fmt.Errorf("failed to get notification channel: %w", err)
	}

	var channel NotificationChannel
	if err := json.Unmarshal([]byte(data), &channel); err != nil {
		return nil, fmt.Errorf("failed to decode notification channel: %w", err)
	}

	return &channel, nil
}

// GetChannelsByUser retrieves all notification channels owned by a user,
// newest first
func (r *RedisRepository) GetChannelsByUser(ctx context.Context, userID uuid.UUID) ([]NotificationChannel, error) {
	channels, err := r.loadChannels(ctx, userIndexKeyPrefix+userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get user notification channels: %w", err)
	}
	return channels, nil
}

// GetSharedChannels retrieves the shared operations channels, newest first
func (r *RedisRepository) GetSharedChannels(ctx context.Context) ([]NotificationChannel, error) {
	channels, err := r.loadChannels(ctx, sharedIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get shared notification channels: %w", err)
	}
	return channels, nil
}

// UpdateChannel updates a notification channel. Ownership and creation time
// are pinned to the stored record so the owner index stays consistent.
func (r *RedisRepository) UpdateChannel(ctx context.Context, channel *NotificationChannel) error {
	existing, err := r.GetChannel(ctx, channel.ID)
	if err != nil {
		return err
	}

	channel.UserID = existing.UserID
	channel.CreatedAt = existing.CreatedAt
	channel.UpdatedAt = time.Now()

	if err := r.writeChannel(ctx, channel); err != nil {
		return fmt.Errorf("failed to update notification channel: %w", err)
	}

	return nil
}

// DeleteChannel deletes a notification channel
func (r *RedisRepository) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	channel, err := r.GetChannel(ctx, id)
	if err != nil {
		return err
	}

	if _, err := r.redis.Del(ctx, channelKeyPrefix+id.String()); err != nil {
		return fmt.Errorf("failed to delete notification channel: %w", err)
	}

	if err := r.redis.ZRem(ctx, r.indexKeyFor(channel), id.String()); err != nil {
		return fmt.Errorf("failed to deindex notification channel: %w", err)
	}

	return nil
}

// LogEvent logs a notification event. Logging an event with an existing ID
// replaces the stored record, which lets callers update pending events.
func (r *RedisRepository) LogEvent(ctx context.Context, event *NotificationEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode notification event: %w", err)
	}

	if err := r.redis.Set(ctx, eventKeyPrefix+event.ID.String(), string(data), r.retention); err != nil {
		return fmt.Errorf("failed to log notification event: %w", err)
	}

	member := redis.Z{Score: float64(event.CreatedAt.Unix()), Member: event.ID.String()}
	if err := r.redis.ZAdd(ctx, eventIndexKey, member); err != nil {
		return fmt.Errorf("failed to index notification event: %w", err)
	}

	return nil
}

// GetEvents retrieves notification events with filtering and pagination,
// newest first
func (r *RedisRepository) GetEvents(ctx context.Context, filter NotificationFilter, limit, offset int) ([]NotificationEvent, int64, error) {
	events, err := r.matchingEvents(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	total := int64(len(events))

	if offset < 0 {
		offset = 0
	}
	if offset >= len(events) {
		return []NotificationEvent{}, total, nil
	}

	end := offset + limit
	if limit <= 0 || end > len(events) {
		end = len(events)
	}

	return events[offset:end], total, nil
}

// GetStats retrieves notification statistics
func (r *RedisRepository) GetStats(ctx context.Context, filter NotificationFilter) (*NotificationStats, error) {
	events, err := r.matchingEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	stats := &NotificationStats{
		ByChannel:   make(map[NotificationChannelType]int64),
		ByEventType: make(map[NotificationEventType]int64),
		LastUpdated: time.Now(),
	}

	channelCache := make(map[uuid.UUID]*NotificationChannel)
	for _, event := range events {
		switch event.Status {
		case StatusSent:
			stats.TotalSent++
		case StatusFailed:
			stats.TotalFailed++
		}

		if event.Status != StatusSent {
			continue
		}
		stats.ByEventType[event.Type]++

		if channel := r.cachedChannel(ctx, event.ChannelID, channelCache); channel != nil {
			stats.ByChannel[channel.Type]++
		}
	}

	if len(events) > 10 {
		events = events[:10]
	}
	stats.RecentEvents = events

	return stats, nil
}

func (r *RedisRepository) writeChannel(ctx context.Context, channel *NotificationChannel) error {
	data, err := json.Marshal(channel)
	if err != nil {
		return fmt.Errorf("failed to encode notification channel: %w", err)
	}
	return r.redis.Set(ctx, channelKeyPrefix+channel.ID.String(), string(data), 0)
}

func (r *RedisRepository) indexKeyFor(channel *NotificationChannel) string {
	if channel.UserID != nil {
		return userIndexKeyPrefix + channel.UserID.String()
	}
	return sharedIndexKey
}

// loadChannels resolves an owner index into channel records, newest first.
// Index entries whose record has vanished are dropped from the index.
func (r *RedisRepository) loadChannels(ctx context.Context, indexKey string) ([]NotificationChannel, error) {
	ids, err := r.redis.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: "+inf"})
	if err != nil {
		return nil, err
	}

	channels := make([]NotificationChannel, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		data, err := r.redis.Get(ctx, channelKeyPrefix+ids[i])
		if err != nil {
			if errors.IsNotFound(err) {
				r.redis.ZRem(ctx, indexKey, ids[i])
				continue
			}
			return nil, err
		}

		var channel NotificationChannel
		if err := json.Unmarshal([]byte(data), &channel); err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}

	return channels, nil
}

// matchingEvents walks the event index newest first and applies the filter.
// Index entries for expired events are pruned as they are encountered.
func (r *RedisRepository) matchingEvents(ctx context.Context, filter NotificationFilter) ([]NotificationEvent, error) {
	min, max := "-inf", "+inf"
	if filter.DateFrom != nil {
		min = strconv.FormatInt(filter.DateFrom.Unix(), 10)
	}
	if filter.DateTo != nil {
		max = strconv.FormatInt(filter.DateTo.Unix(), 10)
	}

	ids, err := r.redis.ZRangeByScore(ctx, eventIndexKey, &redis.ZRangeBy{Min: min, Max: max})
	if err != nil {
		return nil, fmt.Errorf("failed to list notification events: %w", err)
	}

	channelCache := make(map[uuid.UUID]*NotificationChannel)
	var events []NotificationEvent
	for i := len(ids) - 1; i >= 0; i-- {
		data, err := r.redis.Get(ctx, eventKeyPrefix+ids[i])
		if err != nil {
			if errors.IsNotFound(err) {
				r.redis.ZRem(ctx, eventIndexKey, ids[i])
				continue
			}
			return nil, fmt.Errorf("failed to load notification event %s: %w", ids[i], err)
		}

		var event NotificationEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("failed to decode notification event %s: %w", ids[i], err)
		}

		if !r.eventMatches(ctx, &event, filter, channelCache) {
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

func (r *RedisRepository) eventMatches(ctx context.Context, event *NotificationEvent, filter NotificationFilter, channelCache map[uuid.UUID]*NotificationChannel) bool {
	if filter.EventType != nil && event.Type != *filter.EventType {
		return false
	}
	if filter.Status != nil && event.Status != *filter.Status {
		return false
	}

	if filter.UserID == nil && filter.ChannelType == nil {
		return true
	}

	channel := r.cachedChannel(ctx, event.ChannelID, channelCache)
	if channel == nil {
		// Events whose channel has been deleted cannot satisfy channel filters.
		return false
	}

	if filter.UserID != nil && (channel.UserID == nil || *channel.UserID != *filter.UserID) {
		return false
	}
	if filter.ChannelType != nil && channel.Type != *filter.ChannelType {
		return false
	}

	return true
}

func (r *RedisRepository) cachedChannel(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]*NotificationChannel) *NotificationChannel {
	if channel, ok := cache[id]; ok {
		return channel
	}

	channel, err := r.GetChannel(ctx, id)
	if err != nil {
		channel = nil
	}
	cache[id] = channel
	return channel
}

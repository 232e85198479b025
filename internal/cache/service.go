package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/errors"
)

// Service provides caching for frequently accessed generation data
type Service struct {
	redis  *queue.RedisClient
	config *Config
}

// Config holds cache configuration
type Config struct {
	DefaultTTL    time.Duration `json:"default_ttl"`
	ResultTTL     time.Duration `json:"result_ttl"`
	ArtifactTTL   time.Duration `json:"artifact_ttl"`
	StoryTTL      time.Duration `json:"story_ttl"`
	ModelStateTTL time.Duration `json:"model_state_ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:    1 * time.Hour,
		ResultTTL:     24 * time.Hour,
		ArtifactTTL:   6 * time.Hour,
		StoryTTL:      30 * time.Minute,
		ModelStateTTL: 12 * time.Hour,
	}
}

// NewService creates a new cache service
func NewService(redis *queue.RedisClient, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		redis:  redis,
		config: config,
	}
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	Prefix string
	ID     string
}

// String returns the formatted cache key
func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:%s", ck.Prefix, ck.ID)
}

// Cache key prefixes
const (
	PrefixGenResult    = "gen_result"
	PrefixGenStatus    = "gen_status"
	PrefixGenProgress  = "gen_progress"
	PrefixArtifacts    = "artifacts"
	PrefixStory        = "story"
	PrefixEngineHealth = "engine_health"
	PrefixModelState   = "model_state"
	PrefixStatistics   = "statistics"
)

// Set stores a value in cache with the specified TTL
func (s *Service) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	data, err := s.serialize(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}

	if err := s.redis.Set(ctx, key.String(), data, ttl); err != nil {
		return errors.NewInternalError("failed to set cache value").WithCause(err)
	}

	return nil
}

// Get retrieves a value from cache
func (s *Service) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	data, err := s.redis.Get(ctx, key.String())
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NewNotFoundError("cache key")
		}
		return errors.NewInternalError("failed to get cache value").WithCause(err)
	}

	if err := s.deserialize(data, dest); err != nil {
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}

	return nil
}

// Delete removes a value from cache
func (s *Service) Delete(ctx context.Context, key CacheKey) error {
	_, err := s.redis.Del(ctx, key.String())
	if err != nil {
		return errors.NewInternalError("failed to delete cache key").WithCause(err)
	}
	return nil
}

// Exists checks if a key exists in cache
func (s *Service) Exists(ctx context.Context, key CacheKey) (bool, error) {
	count, err := s.redis.Exists(ctx, key.String())
	if err != nil {
		return false, errors.NewInternalError("failed to check cache key existence").WithCause(err)
	}
	return count > 0, nil
}

// SetHash stores a hash field in cache
func (s *Service) SetHash(ctx context.Context, key CacheKey, field string, value interface{}, ttl time.Duration) error {
	data, err := s.serialize(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize hash value").WithCause(err)
	}

	if err := s.redis.HSet(ctx, key.String(), field, data); err != nil {
		return errors.NewInternalError("failed to set hash field").WithCause(err)
	}

	if ttl > 0 {
		if err := s.redis.Expire(ctx, key.String(), ttl); err != nil {
			return errors.NewInternalError("failed to set hash expiration").WithCause(err)
		}
	}

	return nil
}

// GetHash retrieves a hash field from cache
func (s *Service) GetHash(ctx context.Context, key CacheKey, field string, dest interface{}) error {
	data, err := s.redis.HGet(ctx, key.String(), field)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NewNotFoundError("hash field")
		}
		return errors.NewInternalError("failed to get hash field").WithCause(err)
	}

	if err := s.deserialize(data, dest); err != nil {
		return errors.NewInternalError("failed to deserialize hash value").WithCause(err)
	}

	return nil
}

// GetAllHash retrieves all fields from a hash
func (s *Service) GetAllHash(ctx context.Context, key CacheKey) (map[string]string, error) {
	data, err := s.redis.HGetAll(ctx, key.String())
	if err != nil {
		return nil, errors.NewInternalError("failed to get hash").WithCause(err)
	}
	return data, nil
}

// SetList replaces a list with the given items. Every item is stored
// as JSON so GetList can reassemble the list with a single join.
func (s *Service) SetList(ctx context.Context, key CacheKey, values []interface{}, ttl time.Duration) error {
	// Clear existing list
	s.redis.Del(ctx, key.String())

	if len(values) == 0 {
		return nil
	}

	serializedValues := make([]interface{}, len(values))
	for i, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return errors.NewInternalError("failed to serialize list value").WithCause(err)
		}
		serializedValues[i] = string(data)
	}

	if err := s.redis.LPush(ctx, key.String(), serializedValues...); err != nil {
		return errors.NewInternalError("failed to set list").WithCause(err)
	}

	if ttl > 0 {
		if err := s.redis.Expire(ctx, key.String(), ttl); err != nil {
			return errors.NewInternalError("failed to set list expiration").WithCause(err)
		}
	}

	return nil
}

// GetList retrieves all items from a list into dest, which must be a
// pointer to a slice
func (s *Service) GetList(ctx context.Context, key CacheKey, dest interface{}) error {
	items, err := s.redis.LRange(ctx, key.String(), 0, -1)
	if err != nil {
		return errors.NewInternalError("failed to get list").WithCause(err)
	}

	if len(items) == 0 {
		return errors.NewNotFoundError("list")
	}

	// LPush stores newest first, restore insertion order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	doc := "[" + strings.Join(items, ",") + "]"
	if err := json.Unmarshal([]byte(doc), dest); err != nil {
		return errors.NewInternalError("failed to deserialize list").WithCause(err)
	}

	return nil
}

// Increment atomically increments a counter
func (s *Service) Increment(ctx context.Context, key CacheKey, delta int64, ttl time.Duration) (int64, error) {
	result, err := s.redis.IncrBy(ctx, key.String(), delta)
	if err != nil {
		return 0, errors.NewInternalError("failed to increment counter").WithCause(err)
	}

	if ttl > 0 {
		if err := s.redis.Expire(ctx, key.String(), ttl); err != nil {
			return result, errors.NewInternalError("failed to set counter expiration").WithCause(err)
		}
	}

	return result, nil
}

// GetCounter retrieves a counter value, zero when the key is missing
func (s *Service) GetCounter(ctx context.Context, key CacheKey) (int64, error) {
	data, err := s.redis.Get(ctx, key.String())
	if err != nil {
		if errors.IsNotFound(err) {
			return 0, nil
		}
		return 0, errors.NewInternalError("failed to get counter").WithCause(err)
	}

	var value int64
	if _, err := fmt.Sscanf(data, "%d", &value); err != nil {
		return 0, errors.NewInternalError("counter holds a non-integer value").WithCause(err)
	}
	return value, nil
}

// InvalidatePattern removes all keys matching a pattern
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) error {
	keys, err := s.redis.Keys(ctx, pattern)
	if err != nil {
		return errors.NewInternalError("failed to get keys for pattern").WithCause(err)
	}

	if len(keys) == 0 {
		return nil
	}

	_, err = s.redis.Del(ctx, keys...)
	if err != nil {
		return errors.NewInternalError("failed to delete keys").WithCause(err)
	}

	return nil
}

// TTL returns the time to live for a key
func (s *Service) TTL(ctx context.Context, key CacheKey) (time.Duration, error) {
	ttl, err := s.redis.TTL(ctx, key.String())
	if err != nil {
		return 0, errors.NewInternalError("failed to get TTL").WithCause(err)
	}
	return ttl, nil
}

// Extend extends the TTL of a key
func (s *Service) Extend(ctx context.Context, key CacheKey, ttl time.Duration) error {
	if err := s.redis.Expire(ctx, key.String(), ttl); err != nil {
		return errors.NewInternalError("failed to extend TTL").WithCause(err)
	}
	return nil
}

// serialize converts a value to a string for storage
func (s *Service) serialize(value interface{}) (string, error) {
	if str, ok := value.(string); ok {
		return str, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// deserialize converts stored data back into dest
func (s *Service) deserialize(data string, dest interface{}) error {
	if str, ok := dest.(*string); ok {
		*str = data
		return nil
	}

	return json.Unmarshal([]byte(data), dest)
}

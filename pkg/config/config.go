package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Queue      QueueConfig      `json:"queue"`
	Engines    EnginesConfig    `json:"engines"`
	Resilience ResilienceConfig `json:"resilience"`
	Auth       AuthConfig       `json:"auth"`
	Logging    LoggingConfig    `json:"logging"`
	Tracing    TracingConfig    `json:"tracing"`
	Alerting   AlertingConfig   `json:"alerting"`
	Storage    StorageConfig    `json:"storage"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// QueueConfig contains generation queue configuration
type QueueConfig struct {
	Name         string        `json:"name"`
	Concurrency  int           `json:"concurrency"`
	PollInterval time.Duration `json:"poll_interval"`
	MaxRetries   int           `json:"max_retries"`
}

// EnginesConfig contains generation engine endpoints
type EnginesConfig struct {
	StoryEndpoint  string        `json:"story_endpoint"`
	StoryFallbacks []string      `json:"story_fallbacks"`
	ImageEndpoint  string        `json:"image_endpoint"`
	ImageFallbacks []string      `json:"image_fallbacks"`
	VideoEndpoint  string        `json:"video_endpoint"`
	VideoFallbacks []string      `json:"video_fallbacks"`
	TTSEndpoint    string        `json:"tts_endpoint"`
	TTSFallbacks   []string      `json:"tts_fallbacks"`
	RequestTimeout time.Duration `json:"request_timeout"`
	HealthInterval time.Duration `json:"health_interval"`
}

// ResilienceConfig contains failure handling configuration
type ResilienceConfig struct {
	FailureThreshold  int           `json:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	SuccessThreshold  int           `json:"success_threshold"`
	CallTimeout       time.Duration `json:"call_timeout"`
	MaxConcurrent     int           `json:"max_concurrent"`
	MaxRetryAttempts  int           `json:"max_retry_attempts"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"`
	RecoveryTimeLimit time.Duration `json:"recovery_time_limit"`
	ErrorHistorySize  int           `json:"error_history_size"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	JWTExpiration time.Duration `json:"jwt_expiration"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// AlertingConfig contains alert notification configuration
type AlertingConfig struct {
	Enabled         bool   `json:"enabled"`
	SlackWebhookURL string `json:"slack_webhook_url"`
	TeamsWebhookURL string `json:"teams_webhook_url"`
}

// StorageConfig contains artifact storage configuration
type StorageConfig struct {
	ArtifactDir   string `json:"artifact_dir"`
	MaxArtifactMB int    `json:"max_artifact_mb"`
}

// Load loads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present; the process environment always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Queue: QueueConfig{
			Name:         getEnvString("QUEUE_NAME", "storyforge"),
			Concurrency:  getEnvInt("QUEUE_CONCURRENCY", 5),
			PollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
		},
		Engines: EnginesConfig{
			StoryEndpoint:  getEnvString("STORY_ENGINE_URL", "http://localhost:8191"),
			StoryFallbacks: getEnvStringSlice("STORY_ENGINE_FALLBACK_URLS", nil),
			ImageEndpoint:  getEnvString("IMAGE_ENGINE_URL", "http://localhost:8188"),
			ImageFallbacks: getEnvStringSlice("IMAGE_ENGINE_FALLBACK_URLS", nil),
			VideoEndpoint:  getEnvString("VIDEO_ENGINE_URL", "http://localhost:8189"),
			VideoFallbacks: getEnvStringSlice("VIDEO_ENGINE_FALLBACK_URLS", nil),
			TTSEndpoint:    getEnvString("TTS_ENGINE_URL", "http://localhost:8190"),
			TTSFallbacks:   getEnvStringSlice("TTS_ENGINE_FALLBACK_URLS", nil),
			RequestTimeout: getEnvDuration("ENGINE_REQUEST_TIMEOUT", 5*time.Minute),
			HealthInterval: getEnvDuration("ENGINE_HEALTH_INTERVAL", 30*time.Second),
		},
		Resilience: ResilienceConfig{
			FailureThreshold:  getEnvInt("RESILIENCE_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:   getEnvDuration("RESILIENCE_RECOVERY_TIMEOUT", 60*time.Second),
			SuccessThreshold:  getEnvInt("RESILIENCE_SUCCESS_THRESHOLD", 2),
			CallTimeout:       getEnvDuration("RESILIENCE_CALL_TIMEOUT", 5*time.Minute),
			MaxConcurrent:     getEnvInt("RESILIENCE_MAX_CONCURRENT", 0),
			MaxRetryAttempts:  getEnvInt("RESILIENCE_MAX_RETRY_ATTEMPTS", 3),
			RetryBaseDelay:    getEnvDuration("RESILIENCE_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:     getEnvDuration("RESILIENCE_RETRY_MAX_DELAY", 30*time.Second),
			RecoveryTimeLimit: getEnvDuration("RESILIENCE_RECOVERY_TIME_LIMIT", 30*time.Second),
			ErrorHistorySize:  getEnvInt("RESILIENCE_ERROR_HISTORY_SIZE", 512),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnvString("JWT_SECRET", ""),
			JWTExpiration: getEnvDuration("JWT_EXPIRATION", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "storyforge"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Alerting: AlertingConfig{
			Enabled:         getEnvBool("ALERTING_ENABLED", true),
			SlackWebhookURL: getEnvString("SLACK_WEBHOOK_URL", ""),
			TeamsWebhookURL: getEnvString("TEAMS_WEBHOOK_URL", ""),
		},
		Storage: StorageConfig{
			ArtifactDir:   getEnvString("ARTIFACT_DIR", "/var/lib/storyforge/artifacts"),
			MaxArtifactMB: getEnvInt("MAX_ARTIFACT_MB", 512),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	if c.Engines.ImageEndpoint == "" {
		return fmt.Errorf("image engine endpoint is required")
	}

	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1")
	}

	if c.Resilience.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive")
	}

	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

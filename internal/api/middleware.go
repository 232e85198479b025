package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/config"
)

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Content-Length", "Accept", "Accept-Encoding", "Authorization", "Cache-Control", "X-Request-ID", "X-Requested-With"},
		ExposeHeaders:   []string{"X-Request-ID"},
		MaxAge:          12 * time.Hour,
	})
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	})
}

// ServiceClaims represents the JWT claims carried by service tokens.
// Callers of this API are internal services (web backend, schedulers),
// not end users, so the token identifies the calling service.
type ServiceClaims struct {
	Service string   `json:"service"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates service JWT tokens and sets the caller context
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			UnauthorizedResponse(c, "Authorization header is required")
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			UnauthorizedResponse(c, "Authorization header must be in format 'Bearer <token>'")
			c.Abort()
			return
		}

		claims, err := parseServiceToken(tokenParts[1], cfg.Auth.JWTSecret)
		if err != nil {
			UnauthorizedResponse(c, "Invalid or expired token")
			c.Abort()
			return
		}

		if claims.Service == "" {
			UnauthorizedResponse(c, "Token does not identify a service")
			c.Abort()
			return
		}

		c.Set("service", claims.Service)
		c.Set("service_claims", claims)

		c.Next()
	})
}

// OptionalAuthMiddleware validates service tokens if present but doesn't require them
func OptionalAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.Next()
			return
		}

		if claims, err := parseServiceToken(tokenParts[1], cfg.Auth.JWTSecret); err == nil && claims.Service != "" {
			c.Set("service", claims.Service)
			c.Set("service_claims", claims)
		}

		c.Next()
	})
}

func parseServiceToken(tokenString, secret string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, jwt.ErrTokenExpired
	}

	return claims, nil
}

const (
	rateLimitRequests = 100
	rateLimitWindow   = 60 * time.Second
)

// RateLimitMiddleware provides Redis-based rate limiting per client IP.
// A nil Redis client disables the limiter, which keeps tests and local
// single-binary runs working without Redis.
func RateLimitMiddleware(redis *queue.RedisClient) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		if redis == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := fmt.Sprintf("rate_limit:%s", c.ClientIP())

		count, err := redis.IncrBy(ctx, key, 1)
		if err != nil {
			// Redis trouble should not take the API down with it
			c.Next()
			return
		}

		if count == 1 {
			_ = redis.Expire(ctx, key, rateLimitWindow)
		}

		if count > rateLimitRequests {
			retryAfter := rateLimitWindow
			if ttl, err := redis.TTL(ctx, key); err == nil && ttl > 0 {
				retryAfter = ttl
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
			TooManyRequestsResponse(c, "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	})
}

// GetCurrentService retrieves the authenticated service name from the context
func GetCurrentService(c *gin.Context) (string, bool) {
	service, exists := c.Get("service")
	if !exists {
		return "", false
	}

	name, ok := service.(string)
	return name, ok && name != ""
}

// GetServiceClaims retrieves the full service token claims from the context
func GetServiceClaims(c *gin.Context) (*ServiceClaims, bool) {
	claims, exists := c.Get("service_claims")
	if !exists {
		return nil, false
	}

	sc, ok := claims.(*ServiceClaims)
	return sc, ok
}

package logging

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LoggingMiddleware returns a gin middleware that assigns a correlation ID
// to each request and logs the request once it completes
func (l *Logger) LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}

		ctx := WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		l.LogRequest(
			c.Request.Context(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// ErrorLoggingMiddleware returns a gin middleware that logs errors attached
// to the request context by handlers
func (l *Logger) ErrorLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, ginErr := range c.Errors {
			l.LogError(c.Request.Context(), ginErr.Err, "Request error", logrus.Fields{
				"http_method": c.Request.Method,
				"http_path":   c.Request.URL.Path,
				"error_meta":  ginErr.Meta,
			})
		}
	}
}

// RecoveryMiddleware returns a gin middleware that recovers from panics,
// logs them with a stack trace, and responds with a 500
func (l *Logger) RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				l.WithContext(c.Request.Context()).WithFields(logrus.Fields{
					"panic":       recovered,
					"stack_trace": getStackTrace(),
					"http_method": c.Request.Method,
					"http_path":   c.Request.URL.Path,
				}).Error("Panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}

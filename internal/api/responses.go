package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error with optional details
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta represents response metadata
type Meta struct {
	Pagination *Pagination `json:"pagination,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Pagination represents pagination metadata. Job listings are served
// from Redis, which has no cheap total count, so the metadata reports
// the page window and whether a full page came back instead of totals.
type Pagination struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	Count    int  `json:"count"`
	HasNext  bool `json:"has_next"`
	HasPrev  bool `json:"has_prev"`
}

func requestIDFromContext(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// SuccessResponseWithMeta sends a successful response with metadata
func SuccessResponseWithMeta(c *gin.Context, data interface{}, meta *Meta) {
	if meta != nil {
		meta.Timestamp = time.Now()
	}

	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Meta:      meta,
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	var statusCode int
	var apiError *APIError

	switch e := err.(type) {
	case *errors.AppError:
		switch e.Type {
		case errors.ErrorTypeValidation:
			statusCode = http.StatusBadRequest
		case errors.ErrorTypeAuthentication:
			statusCode = http.StatusUnauthorized
		case errors.ErrorTypeAuthorization:
			statusCode = http.StatusForbidden
		case errors.ErrorTypeNotFound:
			statusCode = http.StatusNotFound
		case errors.ErrorTypeConflict:
			statusCode = http.StatusConflict
		case errors.ErrorTypeRateLimit:
			statusCode = http.StatusTooManyRequests
		case errors.ErrorTypeTimeout:
			statusCode = http.StatusGatewayTimeout
		case errors.ErrorTypeModelLoading, errors.ErrorTypeResourceExhausted:
			statusCode = http.StatusServiceUnavailable
		case errors.ErrorTypeInference, errors.ErrorTypeExternal:
			statusCode = http.StatusBadGateway
		default:
			statusCode = http.StatusInternalServerError
		}

		apiError = &APIError{
			Code:    e.Code,
			Message: e.Message,
		}

		if len(e.Details) > 0 {
			apiError.Details = make(map[string]interface{}, len(e.Details))
			for k, v := range e.Details {
				apiError.Details[k] = v
			}
		}
	default:
		statusCode = http.StatusInternalServerError
		apiError = &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "UNAUTHORIZED",
			Message: message,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// ForbiddenResponse sends a 403 Forbidden response
func ForbiddenResponse(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "FORBIDDEN",
			Message: message,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "INTERNAL_ERROR",
			Message: message,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// ValidationErrorResponse sends a 400 Bad Request response with validation details
func ValidationErrorResponse(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "VALIDATION_ERROR",
			Message: message,
			Details: details,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// ConflictResponse sends a 409 Conflict response
func ConflictResponse(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "CONFLICT",
			Message: message,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// TooManyRequestsResponse sends a 429 Too Many Requests response
func TooManyRequestsResponse(c *gin.Context, message string) {
	c.JSON(http.StatusTooManyRequests, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "RATE_LIMIT_EXCEEDED",
			Message: message,
		},
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now(),
	})
}

// Helper functions for pagination

// NewPagination creates pagination metadata for a page of results. A
// full page is taken as a hint that more results exist.
func NewPagination(page, pageSize, count int) *Pagination {
	return &Pagination{
		Page:     page,
		PageSize: pageSize,
		Count:    count,
		HasNext:  pageSize > 0 && count == pageSize,
		HasPrev:  page > 1,
	}
}

// NewMetaWithPagination creates a new Meta object with pagination
func NewMetaWithPagination(page, pageSize, count int) *Meta {
	return &Meta{
		Pagination: NewPagination(page, pageSize, count),
		Timestamp:  time.Now(),
	}
}

// PaginatedResponse sends a successful response with pagination metadata
func PaginatedResponse(c *gin.Context, data interface{}, page, pageSize, count int) {
	SuccessResponseWithMeta(c, data, NewMetaWithPagination(page, pageSize, count))
}

// DTO types for API requests

// CreateGenerationRequest represents a request to submit a generation job
type CreateGenerationRequest struct {
	StoryID        string             `json:"story_id" binding:"required,uuid"`
	SceneID        string             `json:"scene_id,omitempty" binding:"omitempty,uuid"`
	JobType        string             `json:"job_type" binding:"required,oneof=generate_story generate_storyboard generate_image generate_video generate_tts assemble_video"`
	Prompt         string             `json:"prompt" binding:"required,max=4000"`
	NegativePrompt string             `json:"negative_prompt,omitempty" binding:"omitempty,max=4000"`
	ReferenceImage string             `json:"reference_image,omitempty"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
	Options        map[string]string  `json:"options,omitempty"`
	Seed           int64              `json:"seed,omitempty"`
	Priority       int                `json:"priority,omitempty" binding:"omitempty,min=1,max=10"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty" binding:"omitempty,min=1,max=3600"`
}

// VersionInfo describes the running API
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

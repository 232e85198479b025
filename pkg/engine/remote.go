package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/storyforge/storyforge/pkg/errors"
)

// RemoteEngine calls a generation sidecar over HTTP. Sidecars wrap the
// actual inference backends (ComfyUI workers, TTS servers) behind a
// uniform generate/health contract.
type RemoteEngine struct {
	config  EngineConfig
	client  *http.Client
	version VersionInfo
	mu      sync.RWMutex
}

// errorBody is the error envelope returned by sidecars
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewRemoteEngine creates an engine backed by a remote sidecar. A nil
// client gets a default one using the configured timeout.
func NewRemoteEngine(config EngineConfig, client *http.Client) *RemoteEngine {
	if client == nil {
		timeout := config.DefaultTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}

	return &RemoteEngine{
		config: config,
		client: client,
	}
}

// Generate executes a media generation request against the sidecar
func (e *RemoteEngine) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("failed to encode generation request: %v", err))
	}

	url := strings.TrimSuffix(e.config.Endpoint, "/") + "/v1/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewEngineError(e.config.Name, fmt.Sprintf("failed to create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Caller cancellation must surface as the context error so it is
		// not counted as an engine failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewEngineError(e.config.Name, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var result GenerationResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, errors.NewEngineError(e.config.Name, fmt.Sprintf("failed to decode response: %v", err))
		}
		if result.EngineID == "" {
			result.EngineID = e.config.Name
		}
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		return &result, nil
	}

	return nil, e.mapErrorResponse(resp)
}

// mapErrorResponse converts a sidecar error response into a typed error
func (e *RemoteEngine) mapErrorResponse(resp *http.Response) error {
	message := fmt.Sprintf("engine returned status %d", resp.StatusCode)
	code := ""

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && len(raw) > 0 {
		var body errorBody
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			message = body.Error.Message
			code = body.Error.Code
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.NewValidationError(message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTimeoutError(fmt.Sprintf("generate on %s", e.config.Name))
	case http.StatusTooManyRequests:
		return errors.NewRateLimitError(message)
	case http.StatusServiceUnavailable:
		if code == "MODEL_LOADING" {
			return errors.NewModelLoadingError(e.config.Name, message)
		}
		return errors.NewEngineError(e.config.Name, message)
	case http.StatusInsufficientStorage:
		return errors.NewResourceExhaustedError("gpu_memory", message)
	default:
		if code == "INFERENCE_ERROR" {
			return errors.NewInferenceError(message)
		}
		return errors.NewEngineError(e.config.Name, message)
	}
}

// HealthCheck verifies the sidecar is reachable and ready
func (e *RemoteEngine) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(e.config.Endpoint, "/") + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.NewEngineError(e.config.Name, fmt.Sprintf("failed to create request: %v", err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewEngineError(e.config.Name, fmt.Sprintf("health check failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.NewEngineError(e.config.Name, fmt.Sprintf("health check returned status %d", resp.StatusCode))
	}

	return nil
}

// FetchVersion retrieves and caches version information from the sidecar
func (e *RemoteEngine) FetchVersion(ctx context.Context) (VersionInfo, error) {
	url := strings.TrimSuffix(e.config.Endpoint, "/") + "/v1/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return VersionInfo{}, errors.NewEngineError(e.config.Name, fmt.Sprintf("failed to create request: %v", err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return VersionInfo{}, ctx.Err()
		}
		return VersionInfo{}, errors.NewEngineError(e.config.Name, fmt.Sprintf("version request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, errors.NewEngineError(e.config.Name, fmt.Sprintf("version request returned status %d", resp.StatusCode))
	}

	var version VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return VersionInfo{}, errors.NewEngineError(e.config.Name, fmt.Sprintf("failed to decode version: %v", err))
	}

	e.mu.Lock()
	e.version = version
	e.mu.Unlock()

	return version, nil
}

// GetConfig returns the engine configuration
func (e *RemoteEngine) GetConfig() EngineConfig {
	return e.config
}

// GetVersion returns the last fetched version information
func (e *RemoteEngine) GetVersion() VersionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

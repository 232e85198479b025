package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/pkg/alerting"
	"github.com/storyforge/storyforge/pkg/health"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/metrics"
	"github.com/storyforge/storyforge/pkg/resilience"
	"github.com/storyforge/storyforge/pkg/tracing"
)

// Prometheus collectors register against the default registry, so only
// one service with metrics enabled may exist per test binary. Tests
// that assert on metric values share this instance; everything else
// runs with metrics disabled.
var (
	metricsSvcOnce sync.Once
	metricsSvc     *Service
	metricsSvcErr  error
)

func sharedMetricsService(t *testing.T) *Service {
	t.Helper()
	metricsSvcOnce.Do(func() {
		metricsSvc, metricsSvcErr = NewService(&Config{
			ServiceName:    "storyforge-test",
			ServiceVersion: "test",
			Environment:    "test",
			Logging:        &logging.Config{Level: "error", Format: "json", Output: "stdout"},
			Metrics:        metrics.DefaultConfig(),
			Tracing:        &tracing.Config{Enabled: false},
		})
	})
	require.NoError(t, metricsSvcErr)
	return metricsSvc
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(&Config{
		ServiceName:    "storyforge-test",
		ServiceVersion: "test",
		Environment:    "test",
		Logging:        &logging.Config{Level: "error", Format: "json", Output: "stdout"},
		Metrics:        &metrics.Config{Enabled: false},
		Tracing:        &tracing.Config{Enabled: false},
	})
	require.NoError(t, err)
	return svc
}

func performRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "storyforge", cfg.ServiceName)
	assert.Equal(t, "1.0.0", cfg.ServiceVersion)
	assert.Equal(t, "development", cfg.Environment)
}

func TestNewService_Accessors(t *testing.T) {
	svc := newTestService(t)

	assert.NotNil(t, svc.Logger())
	assert.NotNil(t, svc.Metrics())
	assert.NotNil(t, svc.Health())
	assert.NotNil(t, svc.Tracing())
	assert.NotNil(t, svc.Alerting())

	assert.Len(t, svc.Alerting().Rules(), len(alerting.PredefinedAlerts))
}

func TestSetupRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	router := gin.New()
	svc.SetupRoutes(router)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		w := performRequest(router, http.MethodGet, path)
		assert.Equal(t, http.StatusOK, w.Code, "GET %s", path)
	}

	w := performRequest(router, http.MethodGet, "/api/v1/observability/metrics/summary")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	endpoints := body["endpoints"].(map[string]interface{})
	assert.Equal(t, "/metrics", endpoints["metrics"])
}

func TestSetupHealthChecks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	engines := pipeline.NewEngineManager()
	svc.SetupHealthChecks(nil, nil, engines, t.TempDir())

	resp := svc.Health().CheckHealth(context.Background())
	require.Contains(t, resp.Checks, "engines")
	require.Contains(t, resp.Checks, "disk_space")
	assert.NotContains(t, resp.Checks, "redis")
	assert.NotContains(t, resp.Checks, "pipeline")

	assert.Equal(t, health.StatusDegraded, resp.Checks["engines"].Status)
	assert.Equal(t, "No engines registered", resp.Checks["engines"].Message)
}

func TestObservabilityHealthEndpoint_Degraded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	svc.Health().RegisterChecker("engines", health.NewCustomChecker(
		"engines",
		func(ctx context.Context) (health.Status, string, error) {
			return health.StatusDegraded, "1 of 3 engines healthy", nil
		},
	))

	router := gin.New()
	svc.SetupRoutes(router)
	w := performRequest(router, http.MethodGet, "/api/v1/observability/health")
	assert.Equal(t, http.StatusPartialContent, w.Code)
}

func TestAlertEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	router := gin.New()
	svc.SetupRoutes(router)

	require.NoError(t, svc.Alerting().TriggerAlert(context.Background(), &alerting.Alert{
		ID:        "obs-test-1",
		Title:     "Engine Down",
		Severity:  alerting.SeverityCritical,
		Component: "engine_manager",
	}))

	w := performRequest(router, http.MethodGet, "/api/v1/observability/alerts")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["count"])

	w = performRequest(router, http.MethodPost, "/api/v1/observability/alerts/obs-test-1/resolve")
	assert.Equal(t, http.StatusOK, w.Code)

	w = performRequest(router, http.MethodPost, "/api/v1/observability/alerts/obs-test-1/resolve")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAlertLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	current := health.StatusUnhealthy

	svc.Health().RegisterChecker("redis_link", health.NewCustomChecker(
		"redis_link",
		func(ctx context.Context) (health.Status, string, error) {
			mu.Lock()
			defer mu.Unlock()
			switch current {
			case health.StatusUnhealthy:
				return current, "connection refused", errors.New("dial tcp: connection refused")
			case health.StatusDegraded:
				return current, "slow responses", nil
			default:
				return current, "ok", nil
			}
		},
	))

	svc.checkAndTriggerAlerts(ctx)
	_, active := svc.Alerting().GetAlert("health_check_redis_link")
	assert.True(t, active, "unhealthy check should raise an alert")

	mu.Lock()
	current = health.StatusDegraded
	mu.Unlock()

	svc.checkAndTriggerAlerts(ctx)
	_, active = svc.Alerting().GetAlert("health_check_redis_link_degraded")
	assert.True(t, active, "degraded check should raise a degraded alert")

	mu.Lock()
	current = health.StatusHealthy
	mu.Unlock()

	svc.checkAndTriggerAlerts(ctx)
	_, active = svc.Alerting().GetAlert("health_check_redis_link")
	assert.False(t, active, "recovery should resolve the failure alert")
	_, active = svc.Alerting().GetAlert("health_check_redis_link_degraded")
	assert.False(t, active, "recovery should resolve the degraded alert")
}

func TestSetupResilienceAlerts(t *testing.T) {
	svc := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := resilience.NewManager(resilience.ManagerConfig{}, nil)
	monitor := svc.SetupResilienceAlerts(ctx, manager)
	require.NotNil(t, monitor)
	monitor.Stop()
}

func TestResilienceManagerConfig(t *testing.T) {
	svc := sharedMetricsService(t)
	cfg := svc.ResilienceManagerConfig()

	defaults := resilience.DefaultManagerConfig()
	assert.Equal(t, defaults.RecoveryTimeLimit, cfg.RecoveryTimeLimit)
	assert.Equal(t, defaults.ErrorHistorySize, cfg.ErrorHistorySize)

	cfg.OnBreakerStateChange("png-engine", resilience.StateClosed, resilience.StateOpen)
	assert.InDelta(t, 2, testutil.ToFloat64(svc.Metrics().CircuitBreakerState.WithLabelValues("png-engine")), 0.01)
	assert.InDelta(t, 1, testutil.ToFloat64(svc.Metrics().CircuitBreakerTrips.WithLabelValues("png-engine")), 0.01)

	cfg.OnBreakerStateChange("png-engine", resilience.StateOpen, resilience.StateHalfOpen)
	assert.InDelta(t, 1, testutil.ToFloat64(svc.Metrics().CircuitBreakerState.WithLabelValues("png-engine")), 0.01)
	assert.InDelta(t, 1, testutil.ToFloat64(svc.Metrics().CircuitBreakerTrips.WithLabelValues("png-engine")), 0.01)

	cfg.OnDegradationChange("image", resilience.LevelFull, resilience.LevelHigh)
	assert.InDelta(t, float64(resilience.LevelHigh),
		testutil.ToFloat64(svc.Metrics().DegradationLevel.WithLabelValues("image")), 0.01)

	cfg.OnError(resilience.ErrorRecord{Category: resilience.CategoryNetwork})
	assert.InDelta(t, 1, testutil.ToFloat64(svc.Metrics().ErrorsTotal.WithLabelValues("pipeline", "NETWORK")), 0.01)

	cfg.OnRecovery(resilience.RecoveryOutcome{Category: resilience.CategoryModelLoading, Attempted: true, Recovered: true})
	assert.InDelta(t, 1, testutil.ToFloat64(svc.Metrics().RecoveriesTotal.WithLabelValues("MODEL_LOADING", "recovered")), 0.01)

	cfg.OnRecovery(resilience.RecoveryOutcome{Category: resilience.CategoryModelLoading, Attempted: true, Recovered: false})
	assert.InDelta(t, 1, testutil.ToFloat64(svc.Metrics().RecoveriesTotal.WithLabelValues("MODEL_LOADING", "failed")), 0.01)

	cfg.OnFallback("image", resilience.AttemptResult{Stage: "alt-engine", Attempt: 1, Success: true})
	assert.InDelta(t, 1, testutil.ToFloat64(svc.Metrics().FallbacksTotal.WithLabelValues("image", "success")), 0.01)
}

func TestRecordBusinessMetric(t *testing.T) {
	svc := sharedMetricsService(t)

	svc.RecordBusinessMetric("generation_completed", map[string]string{
		"status":     "completed",
		"media_type": "image",
		"engine":     "sdxl-worker",
	}, 42.5)
	assert.InDelta(t, 1, testutil.ToFloat64(
		svc.Metrics().GenerationsTotal.WithLabelValues("completed", "image", "sdxl-worker")), 0.01)

	// Incomplete labels are dropped rather than recorded with holes
	svc.RecordBusinessMetric("generation_completed", map[string]string{"status": "completed"}, 10)
	assert.InDelta(t, 1, testutil.ToFloat64(
		svc.Metrics().GenerationsTotal.WithLabelValues("completed", "image", "sdxl-worker")), 0.01)

	svc.RecordBusinessMetric("artifact_produced", map[string]string{
		"media_type": "video",
		"engine":     "svd-worker",
	}, 0)
	assert.InDelta(t, 1, testutil.ToFloat64(
		svc.Metrics().ArtifactsTotal.WithLabelValues("video", "svd-worker")), 0.01)

	svc.RecordBusinessMetric("engine_call", map[string]string{
		"engine": "svd-worker",
		"status": "success",
	}, 12.0)
	assert.InDelta(t, 1, testutil.ToFloat64(
		svc.Metrics().EngineCalls.WithLabelValues("svd-worker", "success")), 0.01)
}

func TestBreakerStateValue(t *testing.T) {
	cases := []struct {
		state resilience.CircuitState
		want  int
	}{
		{resilience.StateClosed, 0},
		{resilience.StateHalfOpen, 1},
		{resilience.StateOpen, 2},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, breakerStateValue(tc.state), fmt.Sprintf("state %s", tc.state))
	}
}

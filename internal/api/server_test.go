package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/metrics"
	"github.com/faucet-claimer/internal/progress"
	"github.com/faucet-claimer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *progress.Tracker) {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	tracker := progress.NewTracker("run-42", 3)
	proxies := []types.ProxyConfig{
		{Scheme: "http", Host: "10.0.0.1:8080", Username: "u", Password: "secret"},
		{Scheme: "socks5", Host: "10.0.0.2:1080"},
	}
	return NewServer(&cfg, tracker, metrics.NewCollector("test"), proxies), tracker
}

func do(s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatReflectsTracker(t *testing.T) {
	s, tracker := newTestServer(t, nil)
	tracker.TaskStarted()
	tracker.TaskFinished(types.StatusSuccess)
	tracker.TaskStarted()

	rec := do(s, http.MethodGet, "/stat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID     string         `json:"run_id"`
		Total     int            `json:"total"`
		Completed int            `json:"completed"`
		InFlight  int            `json:"in_flight"`
		ByStatus  map[string]int `json:"by_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-42", body.RunID)
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 1, body.Completed)
	assert.Equal(t, 1, body.InFlight)
	assert.Equal(t, 1, body.ByStatus["success"])
	assert.Len(t, body.ByStatus, len(types.AllStatuses))
}

func TestProxiesHideCredentials(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://10.0.0.1:8080\nsocks5://10.0.0.2:1080\n", rec.Body.String())

	rec = do(s, http.MethodGet, "/proxies?format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Contains(t, rec.Body.String(), `"total":2`)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	do(s, http.MethodGet, "/health", nil)

	rec := do(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_api_requests_total{endpoint="/health",method="GET",status="200"} 1`)
}

func TestAPIKeyAuth(t *testing.T) {
	t.Setenv("TEST_FAUCET_API_KEY", "hunter2")
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.API.EnableAPIKeyAuth = true
		cfg.API.APIKeyEnv = "TEST_FAUCET_API_KEY"
	})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/stat", nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/stat", map[string]string{"X-Api-Key": "hunter2"}).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/stat?key=hunter2", nil).Code)
	// health stays public
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", nil).Code)
}

func TestIPRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.API.EnableIPRateLimit = true
		cfg.API.RateLimitPerMinute = 1
	})

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/stat", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodGet, "/stat", nil).Code)
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(60)
	assert.Same(t, rl.GetLimiter("a"), rl.GetLimiter("a"))
	assert.NotSame(t, rl.GetLimiter("a"), rl.GetLimiter("b"))
}

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubChecker struct {
	name     string
	critical bool
	result   CheckResult
}

func (c *stubChecker) Name() string                          { return c.name }
func (c *stubChecker) IsCritical() bool                      { return c.critical }
func (c *stubChecker) Timeout() time.Duration                { return time.Second }
func (c *stubChecker) Check(ctx context.Context) CheckResult { return c.result }

func TestRegisterChecker(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	require.NoError(t, m.RegisterChecker(&stubChecker{name: "a"}))
	assert.Error(t, m.RegisterChecker(&stubChecker{name: "a"}), "duplicate name accepted")
	assert.Error(t, m.RegisterChecker(&stubChecker{name: ""}), "empty name accepted")

	require.NoError(t, m.UnregisterChecker("a"))
	assert.Error(t, m.UnregisterChecker("a"))
}

func TestOverallHealthAggregation(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []*stubChecker
		wantStatus CheckStatus
		wantReady  bool
		wantLive   bool
	}{
		{
			name: "all healthy",
			checkers: []*stubChecker{
				{name: "a", critical: true, result: CheckResult{Status: StatusHealthy}},
				{name: "b", result: CheckResult{Status: StatusHealthy}},
			},
			wantStatus: StatusHealthy,
			wantReady:  true,
			wantLive:   true,
		},
		{
			name: "critical failure is unhealthy and not ready",
			checkers: []*stubChecker{
				{name: "a", critical: true, result: CheckResult{Status: StatusUnhealthy}},
				{name: "b", result: CheckResult{Status: StatusHealthy}},
			},
			wantStatus: StatusUnhealthy,
			wantReady:  false,
			wantLive:   true,
		},
		{
			name: "non-critical failure only degrades",
			checkers: []*stubChecker{
				{name: "a", critical: true, result: CheckResult{Status: StatusHealthy}},
				{name: "b", result: CheckResult{Status: StatusUnhealthy}},
			},
			wantStatus: StatusDegraded,
			wantReady:  true,
			wantLive:   true,
		},
		{
			name: "degraded component degrades",
			checkers: []*stubChecker{
				{name: "a", critical: true, result: CheckResult{Status: StatusDegraded}},
			},
			wantStatus: StatusDegraded,
			wantReady:  true,
			wantLive:   true,
		},
		{
			name:       "no checkers is unknown and not ready",
			wantStatus: StatusUnknown,
			wantReady:  false,
			wantLive:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}

			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tt.wantStatus, overall.Status)
			assert.Equal(t, tt.wantReady, overall.Ready)
			assert.Equal(t, tt.wantLive, overall.Live)
		})
	}
}

func TestDetailedHealthComponents(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(&stubChecker{
		name:     "db",
		critical: true,
		result:   CheckResult{Status: StatusHealthy, Details: map[string]interface{}{"driver": "sqlite3"}},
	}))
	require.NoError(t, m.RegisterChecker(&stubChecker{
		name:   "sink",
		result: CheckResult{Status: StatusDegraded, Message: "unreachable"},
	}))

	detailed := m.GetDetailedHealth(context.Background())

	assert.Equal(t, 2, detailed.Summary.Total)
	assert.Equal(t, 1, detailed.Summary.Healthy)
	assert.Equal(t, 1, detailed.Summary.Degraded)

	db := detailed.Components["db"]
	assert.Equal(t, "db", db.Component)
	assert.True(t, db.Critical)
	assert.False(t, db.Timestamp.IsZero())

	sink := detailed.Components["sink"]
	assert.Equal(t, "unreachable", sink.Message)
	assert.False(t, sink.Critical)
}

func TestHTTPEndpoints(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := NewManager(logger)
	require.NoError(t, m.RegisterChecker(&stubChecker{
		name: "sink", result: CheckResult{Status: StatusDegraded},
	}))
	require.NoError(t, m.RegisterChecker(&stubChecker{
		name: "db", critical: true, result: CheckResult{Status: StatusHealthy},
	}))

	mux := http.NewServeMux()
	NewHTTPHandler(m, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["degraded"])

	checks, ok := body["checks"].(map[string]interface{})
	require.True(t, ok, "missing per-check map")
	assert.Equal(t, true, checks["db"])
	assert.Equal(t, false, checks["sink"])

	for _, path := range []string{"/health/ready", "/health/live"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err = http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var detailed map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detailed))
	assert.Contains(t, string(detailed["components"]), `"sink"`)
}

func TestHTTPUnhealthyGatesReadinessOnly(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := NewManager(logger)
	require.NoError(t, m.RegisterChecker(&stubChecker{
		name: "db", critical: true, result: CheckResult{Status: StatusUnhealthy, Error: "connection refused"},
	}))

	mux := http.NewServeMux()
	NewHTTPHandler(m, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// The verdict lives in the /health body, not the status code.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body["status"])
	checks, ok := body["checks"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, checks["db"])

	// Only readiness speaks through status codes.
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	for _, path := range []string{"/health/live", "/health/detailed"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrecall/pkg/metrics"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth_AlwaysOK(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	rec, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReady_ReflectsStateAndChecks(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	h := s.Handler()

	rec, _ := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before startup completes")

	s.SetReady(true)
	s.RegisterCheck("store", func(ctx context.Context) error { return nil })
	rec, body := get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"store": "ok"}, body["checks"])

	s.RegisterCheck("provider", func(ctx context.Context) error { return errors.New("no api key") })
	rec, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "no api key", body["checks"].(map[string]interface{})["provider"])
}

func TestMetrics_ExposesCollectors(t *testing.T) {
	metrics.RouteDecisions.WithLabelValues("respond").Inc()

	s := NewServer("127.0.0.1", 0)
	rec, _ := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dotrecall_route_decisions_total")
}

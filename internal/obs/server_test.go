package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/breaker"
	"main/internal/relay"
	"main/internal/supervisor"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthDegradedWithoutSupervisor(t *testing.T) {
	s := NewServer(ServerConfig{Metrics: NewMetrics()})

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestStatusReportsBreakersAndRelay(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.RegistryConfig{
		Default: breaker.Config{FailureThreshold: 1},
	})
	failBreaker(t, breakers.Get("binance"))

	stats := &relay.Stats{}
	stats.IncPublished()
	stats.IncDropped()

	s := NewServer(ServerConfig{
		Metrics:    NewMetrics(),
		Breakers:   breakers,
		RelayStats: stats,
	})

	rec := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Breakers []breaker.ResourceState `json:"breakers"`
		Relay    relay.StatsSnapshot     `json:"relay"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Breakers, 1)
	assert.Equal(t, "binance", body.Breakers[0].Key)
	assert.Equal(t, "open", body.Breakers[0].State)
	assert.Equal(t, uint64(1), body.Relay.Published)
	assert.Equal(t, uint64(1), body.Relay.Dropped)
}

func TestMetricsEndpointExposesGauges(t *testing.T) {
	m := NewMetrics()
	m.RefreshBreakers([]breaker.ResourceState{
		{Key: "binance", State: "open", ConsecutiveFailures: 5},
	})
	m.RefreshTasks([]supervisor.TaskSnapshot{
		{Name: "relay", Status: "running", Restarts: 2},
	})
	m.RefreshRelay(relay.StatsSnapshot{Published: 10, Forwarded: 8, Dropped: 2})

	s := NewServer(ServerConfig{Metrics: m})
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `breaker_state{resource="binance"} 1`)
	assert.Contains(t, body, `breaker_consecutive_failures{resource="binance"} 5`)
	assert.Contains(t, body, `task_up{task="relay"} 1`)
	assert.Contains(t, body, `task_restarts{task="relay"} 2`)
	assert.Contains(t, body, "relay_messages_published 10")
	assert.Contains(t, body, "relay_messages_dropped 2")
}

func TestObserveTransitionCounts(t *testing.T) {
	m := NewMetrics()
	m.ObserveTransition("kalshi", breaker.StateClosed, breaker.StateOpen)
	m.ObserveTransition("kalshi", breaker.StateOpen, breaker.StateHalfOpen)

	s := NewServer(ServerConfig{Metrics: m})
	body := get(t, s, "/metrics").Body.String()
	assert.Contains(t, body, `breaker_transitions_total{resource="kalshi",to="open"} 1`)
	assert.Contains(t, body, `breaker_transitions_total{resource="kalshi",to="half-open"} 1`)
}

func failBreaker(t *testing.T, b *breaker.Breaker) {
	t.Helper()
	err := b.Do(t.Context(), func(context.Context) error {
		return assert.AnError
	})
	require.Error(t, err)
}

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MissionSubmitted(3)
		m.MissionCompleted("completed", 1.5)
		m.ModelLoaded("coder", true)
		m.ModelEvicted("coder", "ttl")
		m.SetBusDepth("coder", 2)
		m.MessageSent("task")
		m.InjectionHit()
		m.ChatRequest("TRIVIAL", 0.2)
	})
}

func TestHandlerServesExposedMetrics(t *testing.T) {
	m := New("aegis")
	m.MissionSubmitted(2)
	m.ChatRequest("COMPLEX", 1.2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "aegis_mission_submitted_total")
	assert.Contains(t, rec.Body.String(), "aegis_chat_requests_total")
}

func TestNilHandlerReturnsServiceUnavailable(t *testing.T) {
	var m *Metrics
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}

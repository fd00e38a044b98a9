package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMonitorHealth(t *testing.T) {
	m := NewMonitor()
	if !m.IsHealthy() {
		t.Error("monitor without runs should be healthy")
	}
	if got := m.GetStatusSummary(); got != "No runs yet" {
		t.Errorf("GetStatusSummary() = %q, want %q", got, "No runs yet")
	}

	m.RecordSuccess("2 flows, 10 records", time.Second)
	if !m.IsHealthy() {
		t.Error("monitor should be healthy after a success")
	}
	if got := m.GetStatusSummary(); !strings.Contains(got, "10 records") {
		t.Errorf("GetStatusSummary() = %q, want it to mention the summary", got)
	}

	m.RecordPartialFailure(errors.New("ledger unavailable"), time.Second)
	if !m.IsHealthy() {
		t.Error("partial failure should not change health")
	}

	m.RecordCriticalFailure(errors.New("quota exhausted"), time.Second)
	if m.IsHealthy() {
		t.Error("monitor should be unhealthy after a critical failure")
	}
	got := m.GetStatusSummary()
	if !strings.Contains(got, "quota exhausted") || !strings.Contains(got, "2 runs, 1 failed") {
		t.Errorf("GetStatusSummary() = %q", got)
	}
}

func TestHealthHandler(t *testing.T) {
	m := NewMonitor()
	h := NewHealthServer(m, "0")

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want %d", rec.Code, http.StatusOK)
	}

	m.RecordCriticalFailure(errors.New("boom"), 0)
	rec = httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	rec = httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("/status = %d %q", rec.Code, rec.Body.String())
	}
}

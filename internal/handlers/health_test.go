package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starbridge/api/internal/repositories"
)

type staticHealthRepo struct {
	report repositories.HealthReport
}

func (s staticHealthRepo) Collect(context.Context) (repositories.HealthReport, error) {
	return s.report, nil
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := NewHealthHandlers(nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadyzReflectsDependencyFailure(t *testing.T) {
	h := NewHealthHandlers(staticHealthRepo{report: repositories.HealthReport{
		Status: repositories.HealthStatusError,
		Checks: map[string]repositories.HealthCheckResult{
			"firestore": {Status: repositories.HealthStatusError, Error: "dial timeout", Latency: 50 * time.Millisecond},
		},
		GeneratedAt: time.Now().UTC(),
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var payload struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Checks["firestore"]["error"] != "dial timeout" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestReadyzDegradedStaysAvailable(t *testing.T) {
	h := NewHealthHandlers(staticHealthRepo{report: repositories.HealthReport{
		Status:      repositories.HealthStatusDegraded,
		GeneratedAt: time.Now().UTC(),
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for degraded", rec.Code)
	}
}

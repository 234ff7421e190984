package handlers

import (
	"net/http"
	"time"

	"github.com/starbridge/api/internal/platform/httpx"
	"github.com/starbridge/api/internal/repositories"
)

var startTime = time.Now()

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	health repositories.HealthRepository
}

// NewHealthHandlers constructs the probe handlers. A nil repository makes
// readiness report ok unconditionally, which single-binary simulated runs
// rely on.
func NewHealthHandlers(health repositories.HealthRepository) *HealthHandlers {
	return &HealthHandlers{health: health}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(startTime).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz evaluates the dependency probes and reports readiness.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	report, err := h.health.Collect(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_check_failed", err.Error(), http.StatusServiceUnavailable))
		return
	}

	status := http.StatusOK
	if report.Status == repositories.HealthStatusError {
		status = http.StatusServiceUnavailable
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		entry := map[string]any{
			"status":     string(check.Status),
			"latency_ms": check.Latency.Milliseconds(),
		}
		if check.Error != "" {
			entry["error"] = check.Error
		}
		checks[name] = entry
	}

	httpx.WriteJSON(w, status, map[string]any{
		"status":       string(report.Status),
		"checks":       checks,
		"generated_at": report.GeneratedAt.UTC().Format(time.RFC3339),
	})
}

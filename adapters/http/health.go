package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// BuildVersion is set at link time.
var BuildVersion = "dev"

const readinessTimeout = 5 * time.Second

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ReadinessResponse is the body of GET /health/ready. Errors is keyed by
// the failing dependency name.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Errors map[string]string `json:"errors,omitempty"`
}

// HealthChecker is implemented by dependencies that gate readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checks map[string]HealthChecker
}

// NewHealthHandler creates a health handler over named dependencies.
func NewHealthHandler(checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Liveness always answers ok while the process serves HTTP.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, ReadinessResponse{Status: "ok"})
}

// Readiness runs every dependency check concurrently and answers 503 when
// any of them fails.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = map[string]string{}
	)
	for name, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.HealthCheck(ctx); err != nil {
				mu.Lock()
				failed[name] = err.Error()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		writeProbe(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "unhealthy", Errors: failed})
		return
	}
	writeProbe(w, http.StatusOK, ReadinessResponse{Status: "ok"})
}

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VersionResponse{Version: BuildVersion, Service: "apimeter"})
}

func writeProbe(w http.ResponseWriter, status int, body ReadinessResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

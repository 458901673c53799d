// Package healthprobe serves liveness and readiness. Readiness is the
// process's own started flag plus any number of named checks, so the trading
// process can report not-ready while its feeds are stale.
package healthprobe

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Check reports nil when its component can serve.
type Check func() error

// HealthChecker provides health and readiness checks.
type HealthChecker struct {
	startTime time.Time
	ready     atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

// New creates a new HealthChecker.
func New() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]Check),
	}
}

// SetReady marks the application as started.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// AddCheck registers a readiness check. A second check with the same name
// replaces the first.
func (h *HealthChecker) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health returns an HTTP handler for liveness checks.
// Always returns 200 OK if the application is running.
func (h *HealthChecker) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status: "healthy",
			Uptime: time.Since(h.startTime).String(),
		})
	}
}

// Ready returns an HTTP handler for readiness checks.
// Returns 200 OK when started and every check passes, 503 otherwise.
func (h *HealthChecker) Ready() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:  "not_ready",
				Message: "application is starting",
			})
			return
		}

		results, failed := h.run()
		if failed != "" {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:  "not_ready",
				Message: failed + ": " + results[failed],
				Checks:  results,
			})
			return
		}

		writeJSON(w, http.StatusOK, HealthResponse{
			Status: "ready",
			Uptime: time.Since(h.startTime).String(),
			Checks: results,
		})
	}
}

// run evaluates every check and returns the first failing name in sorted order.
func (h *HealthChecker) run() (results map[string]string, failed string) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return nil, ""
	}

	sort.Strings(names)
	results = make(map[string]string, len(names))
	for _, name := range names {
		err := checks[name]()
		if err != nil {
			results[name] = err.Error()
			if failed == "" {
				failed = name
			}
			continue
		}
		results[name] = "ok"
	}

	return results, failed
}

func writeJSON(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

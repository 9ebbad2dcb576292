package ezproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes. Readiness follows
// the proxy core reaching READY plus any registered checks.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

// ReadinessCheck returns nil when its component is ready.
type ReadinessCheck func(ctx context.Context) error

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

const readinessTimeout = 2 * time.Second

// NewHealthChecker creates a HealthChecker that is alive but not ready.
func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]ReadinessCheck),
	}
	h.alive.Store(true)
	return h
}

// AddCheck registers a named readiness check, replacing any previous one
// with the same name.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetAlive sets the liveness state.
func (h *HealthChecker) SetAlive(alive bool) { h.alive.Store(alive) }

// SetReady sets the readiness state.
func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

// IsAlive reports the liveness state.
func (h *HealthChecker) IsAlive() bool { return h.alive.Load() }

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration { return time.Since(h.startTime) }

// IsReady reports whether the proxy is ready and every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.ready.Load() && len(h.failures(ctx)) == 0
}

func (h *HealthChecker) failures(ctx context.Context) map[string]string {
	h.mu.RLock()
	checks := make(map[string]ReadinessCheck, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	var failed map[string]string
	for name, check := range checks {
		if err := check(ctx); err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[name] = err.Error()
		}
	}
	return failed
}

// HandleHealthz handles the /healthz liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.Uptime().Truncate(time.Second).String()}
	status := http.StatusOK
	if h.IsAlive() {
		resp.Status = "ok"
	} else {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

// HandleReadyz handles the /readyz readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Uptime: h.Uptime().Truncate(time.Second).String()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if failed := h.failures(ctx); len(failed) > 0 {
		resp.Status = "not ready"
		resp.Details = failed
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ok"
	writeHealth(w, http.StatusOK, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

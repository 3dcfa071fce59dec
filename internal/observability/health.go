package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check reports whether one dependency of the ledger is usable.
type Check func(ctx context.Context) error

// HealthChecker manages liveness and readiness for /healthz and /readyz.
// Readiness needs recovery to have finished and every registered check to
// pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		timeout:   2 * time.Second,
		checks:    make(map[string]Check),
	}
}

// SetReady marks recovery as finished and the servers as up.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// AddCheck registers a readiness check under name, replacing any earlier
// one with the same name.
func (h *HealthChecker) AddCheck(name string, c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = c
}

// Status runs every check and returns the overall verdict with a per-check
// result ("ok" or the error text).
func (h *HealthChecker) Status(ctx context.Context) (bool, map[string]string) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ok := h.ready.Load()
	results := make(map[string]string, len(names)+1)
	if !ok {
		results["recovery"] = "pending"
	}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			results[name] = err.Error()
			ok = false
			continue
		}
		results[name] = "ok"
	}
	return ok, results
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 when Status is ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	ok, results := h.Status(ctx)

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": results,
	})
}

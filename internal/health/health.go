// Package health provides HTTP health, readiness, and status handlers for
// the observability listener.
//
// The package exposes four endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /status  — current session snapshot: engine state, capture backend,
//     transport strategy, and the last error observed.
//   - /metrics — Prometheus scrape endpoint.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take
// before the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should
// return nil when the dependency is healthy and a non-nil error describing
// the failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g.
	// "capture", "transport"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Snapshot is the JSON response body for /status.
type Snapshot struct {
	// State is the engine lifecycle state name.
	State string `json:"state"`

	// CaptureBackend names the selected capture source, empty before a
	// session starts.
	CaptureBackend string `json:"capture_backend,omitempty"`

	// Strategy names the transcription transport mode.
	Strategy string `json:"strategy,omitempty"`

	// LastError is the most recent error surfaced by the session, empty
	// when none has occurred.
	LastError string `json:"last_error,omitempty"`

	// LastErrorAt is when LastError was recorded.
	LastErrorAt time.Time `json:"last_error_at,omitzero"`

	// StartedAt is when the process started serving.
	StartedAt time.Time `json:"started_at"`
}

// Handler serves the probe and status endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time, the snapshot is
// updated through [Handler.SetState] and friends.
type Handler struct {
	checkers []Checker

	mu   sync.Mutex
	snap Snapshot
}

// New creates a [Handler] that evaluates the given checkers on each
// /readyz request. The checkers are evaluated sequentially in the order
// provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{
		checkers: c,
		snap:     Snapshot{StartedAt: time.Now()},
	}
}

// SetState records the current engine state name.
func (h *Handler) SetState(state string) {
	h.mu.Lock()
	h.snap.State = state
	h.mu.Unlock()
}

// SetSession records the selected capture backend and transport strategy.
func (h *Handler) SetSession(backend, strategy string) {
	h.mu.Lock()
	h.snap.CaptureBackend = backend
	h.snap.Strategy = strategy
	h.mu.Unlock()
}

// RecordError records the most recent session error for /status.
func (h *Handler) RecordError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.snap.LastError = err.Error()
	h.snap.LastErrorAt = time.Now()
	h.mu.Unlock()
}

// Healthz is a liveness probe that always returns 200 OK. A running
// process that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Status returns the current session snapshot.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	snap := h.snap
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, snap)
}

// Register adds the /healthz, /readyz, and /status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

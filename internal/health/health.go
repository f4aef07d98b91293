// Package health serves the engine's liveness and readiness probes on the
// observability listener, next to /metrics.
//
//   - /healthz answers 200 whenever the process can serve HTTP at all.
//   - /readyz answers 200 only while every engine dependency check passes:
//     the client transport is bound, the TTS child binary resolves, and so
//     on. An orchestrator should route new sessions only to ready replicas.
//
// Probe bodies are JSON: a "status" field, a per-check "checks" map with
// "ok" or the failure text, and the live session count when a counter is
// attached.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one dependency check so a wedged probe cannot stall
// the whole readiness response.
const checkTimeout = 2 * time.Second

// Checker probes one engine dependency. Check returns nil while the
// dependency can serve a new voice session (e.g. "transport" verifies the
// listener is bound, "tts_child" that the synthesis binary resolves).
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the probe response body.
type report struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks,omitempty"`
	Sessions *int              `json:"active_sessions,omitempty"`
}

// Handler serves the probe endpoints. Checkers are fixed at construction;
// the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
	sessions func() int
}

// New creates a Handler evaluating the given checkers, in order, on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// TrackSessions attaches a live-session counter; its value is reported as
// active_sessions in readiness responses.
func (h *Handler) TrackSessions(count func() int) {
	h.sessions = count
}

// Healthz reports liveness. A process that reaches this handler is alive,
// so the answer is always 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "alive"})
}

// Readyz reports readiness: 200 while every checker passes, 503 otherwise.
// Each check runs under a checkTimeout deadline derived from the request
// context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	rep := report{Status: "ready", Checks: checks}
	if h.sessions != nil {
		n := h.sessions()
		rep.Sessions = &n
	}

	status := http.StatusOK
	if !ready {
		rep.Status = "unready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

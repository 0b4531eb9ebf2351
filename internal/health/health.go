// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when every registered
//     [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrMicrophoneNotReady is reported by [Microphone] before a local stream
// has been installed.
var ErrMicrophoneNotReady = errors.New("microphone not ready")

// Checker is a named health check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "signaling").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Store returns a checker that pings a signaling store. Stores that cannot
// be pinged always pass.
func Store(name string, store signaling.Store) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			p, ok := store.(signaling.Pinger)
			if !ok {
				return ctx.Err()
			}
			return p.Ping(ctx)
		},
	}
}

// Microphone returns a checker that passes once ready reports true.
func Microphone(ready func() bool) Checker {
	return Checker{
		Name: "microphone",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !ready() {
				return ErrMicrophoneNotReady
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Check runs every checker and returns the per-check results and whether
// all passed.
func (h *Handler) Check(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}
	return checks, allOK
}

// Readyz returns 200 only when every registered [Checker] passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.Check(r.Context())
	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

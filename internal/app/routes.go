package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Yagasaki7K/dualspeaker/internal/observe"
	"github.com/Yagasaki7K/dualspeaker/internal/resilience"
	"github.com/Yagasaki7K/dualspeaker/internal/session"
)

// routes builds the control API.
//
//	GET  /status               current session status
//	POST /rooms/{roomID}       create a room
//	POST /rooms/{roomID}/join  join a room
//	POST /leave                leave the current room
//	GET  /healthz, /readyz     liveness and readiness
//	GET  /metrics              Prometheus metrics
//
// The websocket signaling store is mounted at signaling.serve_path when
// serving is enabled.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /rooms/{roomID}", a.handleCreate)
	mux.HandleFunc("POST /rooms/{roomID}/join", a.handleJoin)
	mux.HandleFunc("POST /leave", a.handleLeave)
	a.health.Register(mux)

	metrics := a.metricsH
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	mux.Handle("GET /metrics", metrics)

	if a.wsServer != nil {
		mux.Handle(a.cfg.Signaling.ServePath, a.wsServer)
	}
	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Status())
}

func (a *App) handleCreate(w http.ResponseWriter, r *http.Request) {
	err := a.manager.CreateRoom(r.Context(), r.PathValue("roomID"))
	a.respond(w, err)
}

func (a *App) handleJoin(w http.ResponseWriter, r *http.Request) {
	err := a.manager.JoinRoom(r.Context(), r.PathValue("roomID"))
	a.respond(w, err)
}

func (a *App) handleLeave(w http.ResponseWriter, r *http.Request) {
	err := a.manager.LeaveRoom(r.Context())
	a.respond(w, err)
}

// respond writes the status after an operation. Failures keep the status
// body so clients see the user-facing message.
func (a *App) respond(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), a.manager.Status())
}

func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrInvalidRoomID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMicrophoneNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the payload for GET /api/v1/status.
type StatusResponse struct {
	Connections   int    `json:"connections"`
	Goroutines    int    `json:"goroutines"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AuthMode      string `json:"auth_mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ConnCounter reports the number of live connections (the hub).
type ConnCounter interface {
	Count() int
}

// Handler serves the read-only status endpoints.
type Handler struct {
	conns    ConnCounter
	authMode string
	started  time.Time
}

// New creates a Handler reading connection counts from conns.
func New(conns ConnCounter, authMode string) *Handler {
	return &Handler{
		conns:    conns,
		authMode: authMode,
		started:  time.Now(),
	}
}

// Health returns GET /api/v1/health — process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Status returns GET /api/v1/status — live connection and runtime counts.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, StatusResponse{
		Connections:   h.conns.Count(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		AuthMode:      h.authMode,
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

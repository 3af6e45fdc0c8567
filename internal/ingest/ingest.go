package ingest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// maxBodySize caps an ingest POST the same way the hub caps inbound
// WebSocket frames.
const maxBodySize = 1 << 20

// Publisher is the hub-facing side of the ingest route.
type Publisher interface {
	Publish(eventType string, data json.RawMessage, scope string)
}

// Request is the body of POST /api/v1/events.
type Request struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Scope     string          `json:"scope,omitempty"`
}

// Response confirms an accepted event.
type Response struct {
	Ok bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler accepts change events from external collaborators over HTTP and
// publishes them to the hub. Authentication is enforced by the API key
// middleware before the handler runs.
type Handler struct {
	pub Publisher
}

// New creates a Handler that publishes accepted events to pub.
func New(pub Publisher) *Handler {
	return &Handler{pub: pub}
}

// ServeHTTP handles POST /api/v1/events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.EventType == "" {
		jsonErr(w, http.StatusBadRequest, "event_type is required")
		return
	}

	h.pub.Publish(req.EventType, req.Data, req.Scope)

	slog.Debug("ingest: event published",
		"event_type", req.EventType,
		"scope", req.Scope,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(Response{Ok: true}) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: msg}) //nolint:errcheck
}

package protocol

import (
	"encoding/json"
	"time"
)

// Message type tags used in the "type" field of every frame.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"
	TypeUpdate      = "update"
)

// AuthRequest is the first (and only meaningful) client→server frame.
// Token is only consulted when the server runs in jwt auth mode; Scope is
// optional in both modes.
type AuthRequest struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	UserType string `json:"userType"`
	Scope    string `json:"scope,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Event is one published record-change notification. It is immutable once
// built: Timestamp is fixed at emission, Data is carried through opaquely
// and never inspected by the hub.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      json.RawMessage
	Scope     string
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(eventType string, data json.RawMessage, scope string) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Scope:     scope,
	}
}

// updateFrame is the server→client envelope for a broadcast event.
type updateFrame struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type authSuccessFrame struct {
	Type string `json:"type"`
}

type authErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AuthSuccess returns the marshalled {"type":"auth_success"} frame.
func AuthSuccess() []byte {
	b, _ := json.Marshal(authSuccessFrame{Type: TypeAuthSuccess})
	return b
}

// AuthError returns the marshalled auth_error frame carrying msg.
func AuthError(msg string) []byte {
	b, _ := json.Marshal(authErrorFrame{Type: TypeAuthError, Message: msg})
	return b
}

// Update wraps ev into the {"type":"update",...} envelope sent to clients.
// Timestamps are serialized as RFC3339 UTC.
func Update(ev Event) ([]byte, error) {
	data := ev.Data
	if data == nil {
		data = json.RawMessage("null")
	}
	return json.Marshal(updateFrame{
		Type:      TypeUpdate,
		EventType: ev.Type,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Data:      data,
	})
}

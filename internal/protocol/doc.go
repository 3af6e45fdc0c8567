// Package protocol defines the JSON wire envelopes exchanged over the
// WebSocket endpoint and the Event value published by collaborators.
//
// Client → server, first frame only:
//
//	{"type":"auth","userId":42,"username":"ana","userType":"web"}
//
// Server → client:
//
//	{"type":"auth_success"}
//	{"type":"auth_error","message":"..."}
//	{"type":"update","eventType":"record_created","timestamp":"2026-01-02T15:04:05Z","data":{...}}
//
// Event.Data is opaque to the hub; it is carried as raw JSON from the
// publisher to every matching client without interpretation.
package protocol

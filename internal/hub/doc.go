// Package hub implements the real-time notification hub: the WebSocket
// endpoint, the auth handshake, the connection registry, and event
// fan-out.
//
// One goroutine per connection reads inbound frames; a second drains the
// connection's bounded outbound queue to the socket, so one slow client
// never blocks another. Publish never blocks the caller: a connection
// whose queue is full at publish time is closed as unresponsive (a forced
// reconnect beats silent, indefinite message loss).
//
// Message ordering per connection:
//   - the auth_success frame is enqueued before the connection joins the
//     registry, so no update can be observed ahead of it
//   - sequential Publish calls reach any single connection's queue in
//     publish order; no ordering holds across different connections
//
// The Registry is injected, never a package-level singleton, so tests can
// construct a fresh hub and tear it down via Run's context.
package hub

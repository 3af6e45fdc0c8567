package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pulsefeed/pulsefeed/internal/auth"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventSink receives every published event in addition to the connected
// clients. Deliver must not block for long; slow transports should buffer
// internally.
type EventSink interface {
	Deliver(ev protocol.Event)
}

// Hub accepts WebSocket connections, runs the auth handshake, and fans
// published events out to matching authenticated connections.
//
// Hub is safe for concurrent use: Publish may be called from many
// goroutines while connections come and go.
type Hub struct {
	registry *Registry
	authn    *auth.Authenticator
	metrics  *metrics.Metrics
	sinks    []EventSink

	limits atomic.Pointer[config.HubConfig]

	// publishMu serializes fan-out so that events published by sequential
	// Publish calls reach any single connection's queue in publish order.
	publishMu sync.Mutex
}

// New creates a Hub. reg must be empty; sinks are optional extra event
// destinations (e.g. webhook delivery).
func New(reg *Registry, authn *auth.Authenticator, m *metrics.Metrics, limits config.HubConfig, sinks ...EventSink) *Hub {
	h := &Hub{
		registry: reg,
		authn:    authn,
		metrics:  m,
		sinks:    sinks,
	}
	h.limits.Store(&limits)
	m.SetActiveFunc(reg.Len)
	return h
}

// Count returns the number of authenticated, registered connections.
func (h *Hub) Count() int {
	return h.registry.Len()
}

// UpdateLimits swaps the hub limits. Connections accepted after the call
// use the new values; existing connections keep the limits they were
// accepted with.
func (h *Hub) UpdateLimits(limits config.HubConfig) {
	h.limits.Store(&limits)
	slog.Info("hub: limits updated",
		"send_buffer", limits.SendBuffer,
		"max_connections", limits.MaxConnections,
	)
}

// Publish emits one record-change event to every matching authenticated
// connection. An empty scope reaches all connections; a non-empty scope
// only those authenticated into the same scope. Publish returns once all
// enqueue attempts have been issued; it never waits for network delivery.
func (h *Hub) Publish(eventType string, data json.RawMessage, scope string) {
	h.publish(protocol.NewEvent(eventType, data, scope))
}

func (h *Hub) publish(ev protocol.Event) {
	frame, err := protocol.Update(ev)
	if err != nil {
		slog.Error("hub: marshal update frame", "event_type", ev.Type, "err", err)
		return
	}
	h.metrics.EventsPublishedTotal.Add(1)

	h.publishMu.Lock()
	h.registry.ForEachMatching(ev.Scope, func(c *Conn) {
		switch err := c.Enqueue(frame); err {
		case nil:
			h.metrics.MessagesSentTotal.Add(1)
		case ErrQueueFull:
			// Backpressure policy: a connection that cannot keep up is
			// closed rather than allowed to lose events silently.
			h.metrics.SlowConnsClosedTotal.Add(1)
			slog.Warn("hub: closing slow connection",
				"conn_id", c.id,
				"user_id", c.identity.UserID,
				"queue_depth", cap(c.send),
			)
			h.closeConn(c)
		default:
			// Closed (or closing) mid-broadcast — tolerated race.
			h.metrics.MessagesDroppedTotal.Add(1)
		}
	})
	h.publishMu.Unlock()

	for _, s := range h.sinks {
		s.Deliver(ev)
	}
}

// Run blocks until ctx is cancelled, then closes every connection and
// waits for nothing further. Run should be called in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.registry.ForEachMatching("", func(c *Conn) {
		h.closeConn(c)
	})
	slog.Info("hub stopped")
}

// ServeHTTP upgrades the request to a WebSocket, runs the auth handshake,
// and serves the connection. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limits := *h.limits.Load()

	if h.registry.Len() >= limits.MaxConnections {
		slog.Warn("hub: max connections reached, rejecting",
			"current", h.registry.Len(), "max", limits.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := newConn(sock, limits)
	h.metrics.ConnectionsTotal.Add(1)
	slog.Debug("hub: connection accepted",
		"conn_id", c.id, "remote_addr", sock.RemoteAddr().String())

	if !h.handshake(c) {
		return
	}
	defer func() {
		h.closeConn(c)
		slog.Debug("hub: connection closed",
			"conn_id", c.id, "connections", h.registry.Len())
	}()

	h.readLoop(c) // blocks until the connection closes
}

// handshake reads the first frame and promotes the connection to
// Authenticated, or rejects it. The auth_success frame is enqueued in the
// same step that flips the state, before the registry Add, so no
// broadcast can be observed ahead of it.
func (h *Hub) handshake(c *Conn) bool {
	c.sock.SetReadLimit(c.limits.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.limits.HandshakeTimeout)) //nolint:errcheck

	_, raw, err := c.sock.ReadMessage()
	if err != nil {
		slog.Debug("hub: handshake read failed", "conn_id", c.id, "err", err)
		c.close()
		return false
	}

	var req protocol.AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.reject(c, "malformed auth frame")
		return false
	}

	identity, err := h.authn.Authenticate(req, c.sock.RemoteAddr().String())
	if err != nil {
		slog.Warn("hub: auth failed",
			"conn_id", c.id,
			"remote_addr", c.sock.RemoteAddr().String(),
			"err", err,
		)
		h.reject(c, "authentication failed")
		return false
	}

	c.identity = identity
	c.state.Store(int32(StateAuthenticated))
	if err := c.push(protocol.AuthSuccess()); err != nil {
		c.close()
		return false
	}
	go h.writePump(c)

	if err := h.registry.Add(c); err != nil {
		slog.Error("hub: register connection", "conn_id", c.id, "err", err)
		c.close()
		return false
	}

	slog.Info("hub: client authenticated",
		"conn_id", c.id,
		"user_id", identity.UserID,
		"username", identity.Username,
		"user_type", identity.UserType,
		"scope", identity.Scope,
		"connections", h.registry.Len(),
	)
	return true
}

// reject sends an auth_error frame and closes the connection. The write
// pump is not running yet, so the frame is written directly.
func (h *Hub) reject(c *Conn, msg string) {
	h.metrics.AuthFailuresTotal.Add(1)
	closeFrame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg)
	c.sock.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))      //nolint:errcheck
	c.sock.WriteMessage(websocket.TextMessage, protocol.AuthError(msg)) //nolint:errcheck
	c.sock.WriteMessage(websocket.CloseMessage, closeFrame)             //nolint:errcheck
	c.close()
}

// closeConn tears the connection down and removes it from the registry.
// Safe to call from any goroutine, any number of times.
func (h *Hub) closeConn(c *Conn) {
	c.close()
	h.registry.Remove(c.id)
}

// readLoop consumes inbound frames after authentication. There is no
// client→server protocol past the handshake: parseable frames are
// ignored, unparseable ones logged and skipped. The loop exists to detect
// disconnects and service pong frames, and to keep misbehaving clients
// from flooding the server.
func (h *Hub) readLoop(c *Conn) {
	limiter := rate.NewLimiter(rate.Limit(c.limits.ReadRate), c.limits.ReadBurst)

	c.sock.SetReadDeadline(time.Now().Add(c.limits.PongWait)) //nolint:errcheck
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.limits.PongWait)) //nolint:errcheck
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			slog.Warn("hub: inbound frame rate exceeded, discarding",
				"conn_id", c.id, "user_id", c.identity.UserID)
			continue
		}

		var frame map[string]json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("hub: unparseable frame ignored", "conn_id", c.id, "err", err)
			continue
		}
		slog.Debug("hub: inbound frame ignored", "conn_id", c.id)
	}
}

// writePump drains the connection's outbound queue to the socket and
// sends periodic ping frames. It is the only goroutine that writes data
// frames, which preserves per-client message order. Runs until the
// connection closes.
func (h *Hub) writePump(c *Conn) {
	pingPeriod := c.limits.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.closeConn(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout)) //nolint:errcheck
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("hub: write failed", "conn_id", c.id, "err", err)
				return
			}

		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout)) //nolint:errcheck
			c.sock.WriteMessage(websocket.CloseMessage, []byte{})          //nolint:errcheck
			return

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout)) //nolint:errcheck
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pulsefeed/pulsefeed/internal/auth"
	"github.com/pulsefeed/pulsefeed/internal/config"
)

var (
	// ErrQueueFull is returned by Enqueue when the connection's outbound
	// queue is at capacity. The caller is expected to close the connection.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrConnClosed is returned by Enqueue after the connection has closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotAuthenticated is returned by Enqueue before the handshake has
	// completed. Only the handshake itself may write to an unauthenticated
	// connection.
	ErrNotAuthenticated = errors.New("connection not authenticated")
)

// State is a connection's position in its lifecycle. Transitions are
// one-way: Unauthenticated → Authenticated or Unauthenticated → Closed,
// then Authenticated → Closed. A closed connection never comes back.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one live WebSocket session. It owns its outbound queue; the
// write pump is the only goroutine that touches the socket for data
// frames, so message order to a single client is preserved.
type Conn struct {
	id   string
	sock *websocket.Conn

	send chan []byte
	done chan struct{}

	state     atomic.Int32
	closeOnce sync.Once

	// identity is written by the handshake before the state flips to
	// Authenticated and is read-only afterwards.
	identity auth.Identity

	// limits is a snapshot of the hub limits at accept time. A config
	// reload only affects connections accepted after it.
	limits config.HubConfig
}

func newConn(sock *websocket.Conn, limits config.HubConfig) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		sock:   sock,
		send:   make(chan []byte, limits.SendBuffer),
		done:   make(chan struct{}),
		limits: limits,
	}
}

// ID returns the connection's opaque identifier, assigned at accept time.
func (c *Conn) ID() string { return c.id }

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Identity returns the authenticated identity. Zero-valued before the
// handshake completes.
func (c *Conn) Identity() auth.Identity { return c.identity }

// Enqueue appends msg to the outbound queue without blocking. It refuses
// messages for connections that are not authenticated and reports a full
// queue to the caller instead of dropping silently.
func (c *Conn) Enqueue(msg []byte) error {
	switch c.State() {
	case StateClosed:
		return ErrConnClosed
	case StateUnauthenticated:
		return ErrNotAuthenticated
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

// push enqueues without the auth-state guard. Used by the handshake for
// the auth response, which is the one message allowed before the state
// flips.
func (c *Conn) push(msg []byte) error {
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// close transitions to Closed and tears down the socket. Idempotent. The
// send channel is never closed; pumps and enqueuers observe done instead.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.sock.Close()
	})
}

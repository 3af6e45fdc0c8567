package auth

import (
	"errors"
	"fmt"
	"net"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/protocol"
)

var (
	// ErrThrottled is returned when a remote address has exceeded the
	// allowed number of failed handshakes within the failure window.
	ErrThrottled = errors.New("too many failed auth attempts")

	errNotAuthFrame  = errors.New("first frame must have type \"auth\"")
	errMissingFields = errors.New("auth frame requires userId, username, and userType")
	errMissingToken  = errors.New("auth frame requires a token")
)

// Identity is the authenticated identity attached to a connection after a
// successful handshake. Scope is empty for unscoped connections.
type Identity struct {
	UserID   int64
	Username string
	UserType string
	Scope    string
}

// claims is the JWT claim set accepted in jwt mode.
type claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	UserType string `json:"user_type"`
	Scope    string `json:"scope,omitempty"`
}

// Authenticator validates WebSocket auth frames. It is safe for concurrent
// use; one Authenticator is shared by all connection read loops.
type Authenticator struct {
	mode        string
	secret      []byte
	maxFailures int
	failures    *ttlcache.Cache[string, int]
}

// New creates an Authenticator from the auth configuration. The failure
// cache lives for the lifetime of the process.
func New(cfg config.AuthConfig) *Authenticator {
	failures := ttlcache.New(
		ttlcache.WithTTL[string, int](cfg.FailureTTL),
		ttlcache.WithDisableTouchOnHit[string, int](), // dont bump ttl on hit
	)
	go failures.Start()

	return &Authenticator{
		mode:        cfg.Mode,
		secret:      []byte(cfg.Secret()),
		maxFailures: cfg.MaxFailures,
		failures:    failures,
	}
}

// Authenticate validates req against the configured mode and returns the
// resulting Identity. remoteAddr is used only for failure throttling; a
// remote past the failure limit is refused before the frame is inspected.
func (a *Authenticator) Authenticate(req protocol.AuthRequest, remoteAddr string) (Identity, error) {
	key := throttleKey(remoteAddr)
	if a.throttled(key) {
		return Identity{}, ErrThrottled
	}

	id, err := a.authenticate(req)
	if err != nil {
		a.recordFailure(key)
		return Identity{}, err
	}
	return id, nil
}

// throttleKey reduces a remote address to its host. Each failed handshake
// closes the TCP connection, so retries arrive from fresh ephemeral ports;
// counting per host:port would never accumulate.
func throttleKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (a *Authenticator) authenticate(req protocol.AuthRequest) (Identity, error) {
	if req.Type != protocol.TypeAuth {
		return Identity{}, errNotAuthFrame
	}

	if a.mode == "jwt" {
		return a.fromToken(req)
	}

	if req.UserID <= 0 || req.Username == "" || req.UserType == "" {
		return Identity{}, errMissingFields
	}
	return Identity{
		UserID:   req.UserID,
		Username: req.Username,
		UserType: req.UserType,
		Scope:    req.Scope,
	}, nil
}

// fromToken verifies the HS256 token and builds the Identity from its
// claims. Claim values take precedence over the frame's identity fields.
func (a *Authenticator) fromToken(req protocol.AuthRequest) (Identity, error) {
	if req.Token == "" {
		return Identity{}, errMissingToken
	}

	var c claims
	_, err := jwt.ParseWithClaims(req.Token, &c, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}

	if c.UserID <= 0 || c.Username == "" || c.UserType == "" {
		return Identity{}, errMissingFields
	}

	scope := c.Scope
	if scope == "" {
		scope = req.Scope
	}
	return Identity{
		UserID:   c.UserID,
		Username: c.Username,
		UserType: c.UserType,
		Scope:    scope,
	}, nil
}

func (a *Authenticator) throttled(remoteAddr string) bool {
	if a.maxFailures <= 0 {
		return false
	}
	item := a.failures.Get(remoteAddr)
	return item != nil && item.Value() >= a.maxFailures
}

func (a *Authenticator) recordFailure(remoteAddr string) {
	n := 0
	if item := a.failures.Get(remoteAddr); item != nil {
		n = item.Value()
	}
	a.failures.Set(remoteAddr, n+1, ttlcache.DefaultTTL)
}

// Stop releases the failure cache's background goroutine.
func (a *Authenticator) Stop() {
	a.failures.Stop()
}

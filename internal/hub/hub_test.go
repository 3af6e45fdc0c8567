package hub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsefeed/pulsefeed/internal/auth"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/hub"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/protocol"
)

// --- helpers ----------------------------------------------------------------

func testLimits() config.HubConfig {
	return config.HubConfig{
		SendBuffer:       16,
		WriteTimeout:     2 * time.Second,
		PongWait:         60 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		MaxMessageSize:   1024,
		MaxConnections:   32,
		ReadRate:         100,
		ReadBurst:        200,
	}
}

// startHub starts a test HTTP server with a fresh hub as its handler.
// The hub's Run loop is started with a cancellable context.
func startHub(t *testing.T, limits config.HubConfig) (wsURL string, h *hub.Hub, cancel func()) {
	return startHubWithAuth(t, limits, config.AuthConfig{
		Mode:        "none",
		MaxFailures: 100,
		FailureTTL:  time.Minute,
	})
}

func startHubWithAuth(t *testing.T, limits config.HubConfig, authCfg config.AuthConfig) (wsURL string, h *hub.Hub, cancel func()) {
	t.Helper()

	authn := auth.New(authCfg)
	t.Cleanup(authn.Stop)

	h = hub.New(hub.NewRegistry(), authn, metrics.New(), limits)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	go h.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, h, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads one text message from conn with a short deadline and
// unmarshals it.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	return m
}

// authenticate sends a valid auth frame and consumes the auth_success.
func authenticate(t *testing.T, conn *websocket.Conn, userID int64, scope string) {
	t.Helper()
	req := protocol.AuthRequest{
		Type:     protocol.TypeAuth,
		UserID:   userID,
		Username: fmt.Sprintf("user-%d", userID),
		UserType: "web",
		Scope:    scope,
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	m := readFrame(t, conn)
	if m["type"] != protocol.TypeAuthSuccess {
		t.Fatalf("first frame: got %v, want auth_success", m["type"])
	}
}

// waitForCount polls until the hub reports n connections or the deadline passes.
func waitForCount(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Count() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", h.Count(), n)
}

// --- handshake --------------------------------------------------------------

func TestHandshake_ValidAuth_ReceivesAuthSuccess(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	if err := conn.WriteJSON(protocol.AuthRequest{
		Type: protocol.TypeAuth, UserID: 999, Username: "realtime-demo", UserType: "web",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	m := readFrame(t, conn)
	if m["type"] != "auth_success" {
		t.Errorf("type: got %v, want auth_success", m["type"])
	}
	if len(m) != 1 {
		t.Errorf("auth_success frame has extra fields: %v", m)
	}
	waitForCount(t, h, 1)
}

func TestHandshake_MalformedFirstFrame_AuthErrorAndClose(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"foo":"bar"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := readFrame(t, conn)
	if m["type"] != "auth_error" {
		t.Errorf("type: got %v, want auth_error", m["type"])
	}
	if m["message"] == "" || m["message"] == nil {
		t.Error("auth_error message: missing")
	}

	// The server closes the connection; the next read fails.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed after auth_error")
	}
	if h.Count() != 0 {
		t.Errorf("Count: got %d, want 0 — rejected client must not join the registry", h.Count())
	}
}

func TestHandshake_NonAuthFirstFrame_Closed(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","topic":"records"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := readFrame(t, conn)
	if m["type"] != "auth_error" {
		t.Errorf("type: got %v, want auth_error", m["type"])
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected close after non-auth first frame")
	}
	if h.Count() != 0 {
		t.Errorf("Count: got %d, want 0", h.Count())
	}
}

func TestHandshake_MissingFields_Rejected(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"auth","username":"no-id"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := readFrame(t, conn)
	if m["type"] != "auth_error" {
		t.Errorf("type: got %v, want auth_error", m["type"])
	}
	if h.Count() != 0 {
		t.Errorf("Count: got %d, want 0", h.Count())
	}
}

func TestHandshake_UnparseableFirstFrame_Rejected(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := readFrame(t, conn)
	if m["type"] != "auth_error" {
		t.Errorf("type: got %v, want auth_error", m["type"])
	}
	if h.Count() != 0 {
		t.Errorf("Count: got %d, want 0", h.Count())
	}
}

func TestHandshake_RepeatedFailuresThrottleHost(t *testing.T) {
	wsURL, h, _ := startHubWithAuth(t, testLimits(), config.AuthConfig{
		Mode:        "none",
		MaxFailures: 2,
		FailureTTL:  time.Minute,
	})

	// Each rejected handshake closes the connection, so every retry is a
	// fresh dial from a new ephemeral port on the same host.
	for i := 0; i < 5; i++ {
		conn := dial(t, wsURL)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"foo":"bar"}`)); err != nil {
			t.Fatalf("attempt %d: write: %v", i, err)
		}
		m := readFrame(t, conn)
		if m["type"] != "auth_error" {
			t.Fatalf("attempt %d: got %v, want auth_error", i, m["type"])
		}
		conn.Close()
	}

	// Past the limit even a valid auth frame from this host is refused.
	conn := dial(t, wsURL)
	if err := conn.WriteJSON(protocol.AuthRequest{
		Type: protocol.TypeAuth, UserID: 1, Username: "ana", UserType: "web",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	m := readFrame(t, conn)
	if m["type"] != "auth_error" {
		t.Errorf("throttled host: got %v, want auth_error", m["type"])
	}
	if h.Count() != 0 {
		t.Errorf("Count: got %d, want 0", h.Count())
	}
}

// --- broadcast --------------------------------------------------------------

func TestPublish_AllAuthenticatedConnectionsReceive(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	c1 := dial(t, wsURL)
	authenticate(t, c1, 1, "")
	c2 := dial(t, wsURL)
	authenticate(t, c2, 2, "")
	waitForCount(t, h, 2)

	h.Publish("record_created", json.RawMessage(`{"id":42}`), "")

	for i, conn := range []*websocket.Conn{c1, c2} {
		m := readFrame(t, conn)
		if m["type"] != "update" {
			t.Errorf("client %d: type: got %v, want update", i, m["type"])
		}
		if m["eventType"] != "record_created" {
			t.Errorf("client %d: eventType: got %v, want record_created", i, m["eventType"])
		}
		if _, err := time.Parse(time.RFC3339, m["timestamp"].(string)); err != nil {
			t.Errorf("client %d: timestamp %v not RFC3339: %v", i, m["timestamp"], err)
		}
		data := m["data"].(map[string]interface{})
		if data["id"] != float64(42) {
			t.Errorf("client %d: data.id: got %v, want 42", i, data["id"])
		}
	}
}

func TestPublish_ScopeFiltering(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	scoped := dial(t, wsURL)
	authenticate(t, scoped, 1, "org:7")
	other := dial(t, wsURL)
	authenticate(t, other, 2, "org:42")
	unscoped := dial(t, wsURL)
	authenticate(t, unscoped, 3, "")
	waitForCount(t, h, 3)

	h.Publish("record_updated", json.RawMessage(`{"id":7}`), "org:7")

	m := readFrame(t, scoped)
	if m["eventType"] != "record_updated" {
		t.Errorf("scoped client: eventType: got %v", m["eventType"])
	}

	// The other two must not receive anything.
	for _, conn := range []*websocket.Conn{other, unscoped} {
		conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Error("non-matching client received a scoped event")
		}
	}
}

func TestPublish_EmptyScopeReachesScopedConnections(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	scoped := dial(t, wsURL)
	authenticate(t, scoped, 1, "org:7")
	waitForCount(t, h, 1)

	h.Publish("record_deleted", json.RawMessage(`{"id":1}`), "")

	m := readFrame(t, scoped)
	if m["eventType"] != "record_deleted" {
		t.Errorf("eventType: got %v, want record_deleted", m["eventType"])
	}
}

func TestPublish_DeliveredInPublishOrder(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	authenticate(t, conn, 1, "")
	waitForCount(t, h, 1)

	const n = 10
	for i := 0; i < n; i++ {
		h.Publish("record_updated", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), "")
	}

	for i := 0; i < n; i++ {
		m := readFrame(t, conn)
		data := m["data"].(map[string]interface{})
		if data["seq"] != float64(i) {
			t.Fatalf("frame %d: seq: got %v, want %d", i, data["seq"], i)
		}
	}
}

func TestPublish_NoUpdateBeforeAuthSuccess(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	// Publish before the client authenticates; the event must not reach it.
	h.Publish("record_created", json.RawMessage(`{"id":1}`), "")

	conn := dial(t, wsURL)
	if err := conn.WriteJSON(protocol.AuthRequest{
		Type: protocol.TypeAuth, UserID: 1, Username: "ana", UserType: "web",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	// The first frame observed must be auth_success, never an update.
	m := readFrame(t, conn)
	if m["type"] != "auth_success" {
		t.Fatalf("first frame: got %v, want auth_success", m["type"])
	}
	waitForCount(t, h, 1)

	h.Publish("record_created", json.RawMessage(`{"id":2}`), "")
	m = readFrame(t, conn)
	if m["type"] != "update" {
		t.Errorf("second frame: got %v, want update", m["type"])
	}
}

// --- post-auth inbound frames -----------------------------------------------

func TestReadLoop_GarbageFrameAfterAuth_ConnectionStaysOpen(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	authenticate(t, conn, 1, "")
	waitForCount(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The offending frame is logged and skipped; broadcasts still arrive.
	h.Publish("record_created", json.RawMessage(`{"id":3}`), "")
	m := readFrame(t, conn)
	if m["type"] != "update" {
		t.Errorf("type: got %v, want update", m["type"])
	}
	if h.Count() != 1 {
		t.Errorf("Count: got %d, want 1 — protocol errors must not close the connection", h.Count())
	}
}

// --- backpressure -----------------------------------------------------------

func TestPublish_SlowConsumerIsClosed(t *testing.T) {
	limits := testLimits()
	limits.SendBuffer = 2
	limits.WriteTimeout = 100 * time.Millisecond
	wsURL, h, _ := startHub(t, limits)

	conn := dial(t, wsURL)
	authenticate(t, conn, 1, "")
	waitForCount(t, h, 1)

	// The client stops reading. Enough publishes to fill the TCP buffers
	// and the 2-slot queue; the hub must close the connection rather than
	// block or grow the queue.
	payload := json.RawMessage(`{"filler":"` + strings.Repeat("x", 8192) + `"}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			h.Publish("record_updated", payload, "")
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}

	waitForCount(t, h, 0)

	// After closure further publishes are safe no-ops.
	h.Publish("record_updated", payload, "")
}

// --- limits and lifecycle ---------------------------------------------------

func TestServeHTTP_MaxConnections(t *testing.T) {
	limits := testLimits()
	limits.MaxConnections = 1
	wsURL, h, _ := startHub(t, limits)

	first := dial(t, wsURL)
	authenticate(t, first, 1, "")
	waitForCount(t, h, 1)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("second dial: expected rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("second dial status: got %v, want 503", resp)
	}
}

func TestHub_CountDecreasesOnDisconnect(t *testing.T) {
	wsURL, h, _ := startHub(t, testLimits())

	conn := dial(t, wsURL)
	authenticate(t, conn, 1, "")
	waitForCount(t, h, 1)

	conn.Close()
	waitForCount(t, h, 0)
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, h, cancel := startHub(t, testLimits())

	conn := dial(t, wsURL)
	authenticate(t, conn, 1, "")
	waitForCount(t, h, 1)

	cancel()
	waitForCount(t, h, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestServeHTTP_NonWebSocketRequest_Returns400(t *testing.T) {
	wsURL, _, _ := startHub(t, testLimits())
	httpURL := "http" + strings.TrimPrefix(wsURL, "ws")

	resp, err := http.Get(httpURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

// --- sinks ------------------------------------------------------------------

type captureSink struct {
	events chan protocol.Event
}

func (s *captureSink) Deliver(ev protocol.Event) { s.events <- ev }

func TestPublish_NotifiesSinks(t *testing.T) {
	authn := auth.New(config.AuthConfig{Mode: "none", MaxFailures: 100, FailureTTL: time.Minute})
	t.Cleanup(authn.Stop)

	sink := &captureSink{events: make(chan protocol.Event, 1)}
	h := hub.New(hub.NewRegistry(), authn, metrics.New(), testLimits(), sink)

	h.Publish("record_created", json.RawMessage(`{"id":1}`), "org:7")

	select {
	case ev := <-sink.events:
		if ev.Type != "record_created" || ev.Scope != "org:7" {
			t.Errorf("sink event: got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("sink did not receive the published event")
	}
}

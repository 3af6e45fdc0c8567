package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/protocol"
)

const (
	deliverTimeout = 10 * time.Second
	queueSize      = 256
)

// Dispatcher delivers every published event to the configured webhook
// targets. Delivery is asynchronous and best-effort: a single worker
// drains a bounded queue, events are dropped when the queue is full, and
// failures are logged without ever affecting the publisher or the
// connected clients.
//
// Dispatcher implements hub.EventSink.
type Dispatcher struct {
	targets []config.WebhookConfig
	client  *http.Client
	queue   chan protocol.Event
}

// New creates a Dispatcher for the given targets and starts its delivery
// worker. A Dispatcher with no targets is valid — Deliver becomes a no-op.
func New(targets []config.WebhookConfig) *Dispatcher {
	d := &Dispatcher{
		targets: targets,
		client:  &http.Client{Timeout: deliverTimeout},
		queue:   make(chan protocol.Event, queueSize),
	}
	if len(d.targets) > 0 {
		go d.run()
	}
	return d
}

// Deliver enqueues ev for the delivery worker. If slow targets have backed
// the queue up to capacity the event is dropped.
func (d *Dispatcher) Deliver(ev protocol.Event) {
	if len(d.targets) == 0 {
		return
	}
	select {
	case d.queue <- ev:
	default:
		slog.Warn("webhook: delivery queue full — dropping event", "event_type", ev.Type)
	}
}

// Close stops the delivery worker. Events already queued are still
// delivered; Deliver must not be called after Close.
func (d *Dispatcher) Close() {
	if len(d.targets) > 0 {
		close(d.queue)
	}
}

func (d *Dispatcher) run() {
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev protocol.Event) {
	for _, wh := range d.targets {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = d.sendSlack(url, ev)
		case "teams":
			err = d.sendTeams(url, ev)
		case "http":
			err = d.sendHTTP(url, ev)
		default:
			slog.Warn("webhook: unknown target type — skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("webhook: delivery failed",
				"type", wh.Type,
				"event_type", ev.Type,
				"err", err,
			)
		} else {
			slog.Debug("webhook: delivered",
				"type", wh.Type,
				"event_type", ev.Type,
			)
		}
	}
}

func (d *Dispatcher) sendSlack(url string, ev protocol.Event) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* at %s", ev.Type, ev.Timestamp.Format(time.RFC3339)),
	})
	return d.post(url, body)
}

func (d *Dispatcher) sendTeams(url string, ev protocol.Event) error {
	payload := map[string]interface{}{
		"@type":    "MessageCard",
		"@context": "http://schema.org/extensions",
		"summary":  ev.Type,
		"title":    fmt.Sprintf("pulsefeed event: %s", ev.Type),
		"text":     fmt.Sprintf("%s at %s", ev.Type, ev.Timestamp.Format(time.RFC3339)),
	}
	body, _ := json.Marshal(payload)
	return d.post(url, body)
}

// sendHTTP posts the full update envelope, the same shape WebSocket
// clients receive.
func (d *Dispatcher) sendHTTP(url string, ev protocol.Event) error {
	body, err := protocol.Update(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return d.post(url, body)
}

func (d *Dispatcher) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

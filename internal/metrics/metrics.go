package metrics

import (
	"net/http"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the hub's counters. All fields are safe for concurrent
// use; the active-connections gauge is sampled from the registry at
// render time via the callback set with SetActiveFunc.
type Metrics struct {
	ConnectionsTotal     atomic.Int64
	AuthFailuresTotal    atomic.Int64
	EventsPublishedTotal atomic.Int64
	MessagesSentTotal    atomic.Int64
	MessagesDroppedTotal atomic.Int64
	SlowConnsClosedTotal atomic.Int64

	activeFn atomic.Pointer[func() int]
}

// New creates an empty Metrics set.
func New() *Metrics {
	return &Metrics{}
}

// SetActiveFunc registers the callback that reports the current number of
// live connections (typically the registry's Len).
func (m *Metrics) SetActiveFunc(fn func() int) {
	m.activeFn.Store(&fn)
}

// Handler serves the metrics in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		w.Header().Set("Content-Type", string(format))

		enc := expfmt.NewEncoder(w, format)
		for _, mf := range m.families() {
			if err := enc.Encode(mf); err != nil {
				return
			}
		}
	})
}

func (m *Metrics) families() []*dto.MetricFamily {
	active := 0
	if fn := m.activeFn.Load(); fn != nil {
		active = (*fn)()
	}

	return []*dto.MetricFamily{
		gauge("pulsefeed_connections_active",
			"Number of currently connected WebSocket clients.",
			float64(active)),
		counter("pulsefeed_connections_total",
			"Total WebSocket connections accepted since start.",
			float64(m.ConnectionsTotal.Load())),
		counter("pulsefeed_auth_failures_total",
			"Total failed auth handshakes.",
			float64(m.AuthFailuresTotal.Load())),
		counter("pulsefeed_events_published_total",
			"Total events published to the hub.",
			float64(m.EventsPublishedTotal.Load())),
		counter("pulsefeed_messages_sent_total",
			"Total update frames enqueued for delivery.",
			float64(m.MessagesSentTotal.Load())),
		counter("pulsefeed_messages_dropped_total",
			"Total update frames not delivered because the connection was closed or closing.",
			float64(m.MessagesDroppedTotal.Load())),
		counter("pulsefeed_slow_connections_closed_total",
			"Total connections closed because their outbound queue was full.",
			float64(m.SlowConnsClosedTotal.Load())),
	}
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   ptr(dto.MetricType_COUNTER),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: ptr(v)}}},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   ptr(dto.MetricType_GAUGE),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: ptr(v)}}},
	}
}

func ptr[T any](v T) *T { return &v }

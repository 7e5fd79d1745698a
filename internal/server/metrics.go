package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/whisperlink/internal/registry"
)

// Metrics exports relay activity to Prometheus and observes the protocol
// handler.
type Metrics struct {
	reg      *prometheus.Registry
	sessions prometheus.Counter
	refused  prometheus.Counter
	closed   prometheus.Counter
	messages *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// NewMetrics registers the relay collectors on a private Prometheus registry.
func NewMetrics(sessions *registry.Registry) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperlink_sessions_total",
			Help: "Sessions that completed the identity handshake.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperlink_sessions_refused_total",
			Help: "Connections refused because the identity was in use.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperlink_sessions_closed_total",
			Help: "Sessions that reached the closed state.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperlink_messages_total",
			Help: "Messages accepted for relay, by whether the receiver was online.",
		}, []string{"delivered"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperlink_frames_rejected_total",
			Help: "Inbound frames dropped as malformed.",
		}, []string{"reason"}),
	}

	m.reg.MustRegister(
		m.sessions, m.refused, m.closed, m.messages, m.rejected,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "whisperlink_sessions_active",
			Help: "Currently connected identities.",
		}, func() float64 { return float64(sessions.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "whisperlink_transcript_entries",
			Help: "Messages retained in the in-memory transcript.",
		}, func() float64 { return float64(sessions.TranscriptLen()) }),
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened(string)  { m.sessions.Inc() }
func (m *Metrics) SessionRefused(string) { m.refused.Inc() }
func (m *Metrics) SessionClosed(string)  { m.closed.Inc() }

func (m *Metrics) MessageRelayed(delivered bool) {
	m.messages.WithLabelValues(strconv.FormatBool(delivered)).Inc()
}

func (m *Metrics) FrameRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

package monitoring

import (
	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	_ ports.SignalingMetrics = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics     = (*PrometheusCollector)(nil)
)

// PrometheusCollector implements both metrics ports.
type PrometheusCollector struct {
	// Sessions
	sessionsActive   prometheus.Gauge
	sessionsOpened   *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	restartsTotal    prometheus.Counter
	rosterSize       prometheus.Gauge

	// Signals
	signalsRouted *prometheus.CounterVec
	signalsSent   *prometheus.CounterVec

	// Relay
	relayConnections    prometheus.Gauge
	relayFrames         *prometheus.CounterVec
	relayFramesRejected *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric with reg. A nil reg means the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_sessions_active",
			Help: "Number of peer sessions not yet closed",
		}),

		sessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_sessions_opened_total",
			Help: "Peer sessions created, by role",
		}, []string{"role"}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_sessions_closed_total",
			Help: "Peer sessions closed, by reason",
		}, []string{"reason"}),

		restartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcall_session_restarts_scheduled_total",
			Help: "Caller restarts scheduled after a link failure",
		}),

		rosterSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_roster_size",
			Help: "Number of opponents in the current roster",
		}),

		signalsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signals_routed_total",
			Help: "Inbound signals by kind and routing outcome",
		}, []string{"kind", "outcome"}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signals_sent_total",
			Help: "Outbound signals by kind and result",
		}, []string{"kind", "result"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_relay_connections",
			Help: "Participants currently connected to the relay",
		}),

		relayFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_relay_frames_total",
			Help: "Frames handled by the relay, by frame type",
		}, []string{"type"}),

		relayFramesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_relay_frames_rejected_total",
			Help: "Frames rejected by the relay, by error code",
		}, []string{"code"}),
	}
}

func (p *PrometheusCollector) SessionOpened(role domain.Role) {
	p.sessionsActive.Inc()
	p.sessionsOpened.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionClosed(reason string) {
	p.sessionsActive.Dec()
	p.sessionsClosed.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SignalRouted(kind domain.SignalKind, outcome string) {
	p.signalsRouted.WithLabelValues(string(kind), outcome).Inc()
}

func (p *PrometheusCollector) SignalSent(kind domain.SignalKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.signalsSent.WithLabelValues(string(kind), result).Inc()
}

func (p *PrometheusCollector) RestartScheduled() {
	p.restartsTotal.Inc()
}

func (p *PrometheusCollector) RosterSize(n int) {
	p.rosterSize.Set(float64(n))
}

func (p *PrometheusCollector) RelayConnected() {
	p.relayConnections.Inc()
}

func (p *PrometheusCollector) RelayDisconnected() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) FrameRelayed(frameType string) {
	p.relayFrames.WithLabelValues(frameType).Inc()
}

func (p *PrometheusCollector) FrameRejected(code string) {
	p.relayFramesRejected.WithLabelValues(code).Inc()
}

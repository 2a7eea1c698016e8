package monitoring

import (
	"net/http"
	"time"

	"confhammer/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports fleet metrics on its own registry so several
// fleets in one process (tests) never collide.
type PrometheusCollector struct {
	registry *prometheus.Registry

	sessions        *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	nicknameRetries prometheus.Counter
	iceDuration     *prometheus.HistogramVec

	packetsSent     *prometheus.GaugeVec
	bytesSent       *prometheus.GaugeVec
	rtcpSent        *prometheus.GaugeVec
	packetsReceived *prometheus.GaugeVec
	feedback        *prometheus.GaugeVec
	restarts        *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhammer_sessions",
			Help: "Running sessions by state",
		}, []string{"state"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confhammer_session_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),

		nicknameRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "confhammer_nickname_retries_total",
			Help: "Room joins retried after a nickname conflict",
		}),

		iceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confhammer_ice_establishment_seconds",
			Help:    "Time from session-accept until ICE reached a final state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"result"}),

		packetsSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhammer_rtp_packets_sent",
			Help: "RTP packets sent by running sessions",
		}, []string{"kind"}),

		bytesSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhammer_rtp_bytes_sent",
			Help: "RTP bytes sent by running sessions",
		}, []string{"kind"}),

		rtcpSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhammer_rtcp_packets_sent",
			Help: "RTCP packets sent by running sessions",
		}, []string{"kind"}),

		packetsReceived: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhammer_rtp_packets_received",
			Help: "RTP packets received by running sessions",
		}, []string{"kind"}),

		feedback: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhammer_feedback_received",
			Help: "Congestion feedback received by running sessions",
		}, []string{"kind", "type"}),

		restarts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhammer_replay_restarts",
			Help: "Keyframe restarts of running sessions",
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusCollector) SessionStateChanged(_ string, _, to domain.SessionState) {
	p.transitions.WithLabelValues(to.String()).Inc()
}

func (p *PrometheusCollector) ConnectivityEstablished(_ string, took time.Duration, state domain.ConnectivityState) {
	p.iceDuration.WithLabelValues(state.String()).Observe(took.Seconds())
}

func (p *PrometheusCollector) NicknameRetried(string) {
	p.nicknameRetries.Inc()
}

// ObserveFleet replaces the gauges with the latest aggregate.
func (p *PrometheusCollector) ObserveFleet(stats *domain.FleetStats) {
	for _, state := range domain.AllSessionStates {
		p.sessions.WithLabelValues(state.String()).Set(float64(stats.Sessions[state.String()]))
	}
	for kind, st := range stats.ByKind {
		k := string(kind)
		p.packetsSent.WithLabelValues(k).Set(float64(st.PacketsSent))
		p.bytesSent.WithLabelValues(k).Set(float64(st.BytesSent))
		p.rtcpSent.WithLabelValues(k).Set(float64(st.RTCPSent))
		p.packetsReceived.WithLabelValues(k).Set(float64(st.PacketsReceived))
		p.feedback.WithLabelValues(k, string(domain.FeedbackFIR)).Set(float64(st.FIRs))
		p.feedback.WithLabelValues(k, string(domain.FeedbackPLI)).Set(float64(st.PLIs))
		p.feedback.WithLabelValues(k, string(domain.FeedbackNACK)).Set(float64(st.NACKs))
		p.restarts.WithLabelValues(k).Set(float64(st.Restarts))
	}
}

package monitoring

import (
	"errors"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports session and relay metrics to Prometheus.
type Collector struct {
	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	stateTransitions  *prometheus.CounterVec
	timeToConnect     prometheus.Histogram
	candidates        *prometheus.CounterVec
	trackReplacements *prometheus.CounterVec
	offerRollbacks    *prometheus.CounterVec
	captureAttempts   *prometheus.CounterVec

	relayConnections prometheus.Gauge
	relayMessages    *prometheus.CounterVec
}

var _ ports.Metrics = (*Collector)(nil)

// NewCollector registers every metric with reg. Tests pass a fresh registry;
// binaries pass prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_sessions_active",
			Help: "Number of open peer sessions",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_sessions_total",
			Help: "Total number of peer sessions opened",
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_session_state_transitions_total",
			Help: "Session state transitions by source and target state",
		}, []string{"from", "to"}),

		timeToConnect: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_session_time_to_connect_seconds",
			Help:    "Time from negotiation start to the first CONNECTED state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_ice_candidates_total",
			Help: "Remote ICE candidates by outcome",
		}, []string{"outcome"}),

		trackReplacements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_track_replacements_total",
			Help: "Sender track replacements by method",
		}, []string{"method"}),

		offerRollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_offer_rollbacks_total",
			Help: "Local offers withdrawn before an answer by reason",
		}, []string{"reason"}),

		captureAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_capture_attempts_total",
			Help: "Media capture attempts by source and result",
		}, []string{"source", "result"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_relay_connections",
			Help: "Open relay WebSocket connections",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_messages_total",
			Help: "Signaling messages accepted by the relay by type and transport",
		}, []string{"type", "transport"}),
	}
}

func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

func (c *Collector) StateTransition(from, to domain.ConnectionState) {
	c.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) TimeToConnect(d time.Duration) {
	c.timeToConnect.Observe(d.Seconds())
}

func (c *Collector) CandidateBuffered() {
	c.candidates.WithLabelValues("buffered").Inc()
}

func (c *Collector) CandidateApplied(ok bool) {
	outcome := "applied"
	if !ok {
		outcome = "rejected"
	}
	c.candidates.WithLabelValues(outcome).Inc()
}

func (c *Collector) TrackReplaced(renegotiated bool) {
	method := "in_place"
	if renegotiated {
		method = "renegotiated"
	}
	c.trackReplacements.WithLabelValues(method).Inc()
}

func (c *Collector) OfferRolledBack(reason string) {
	c.offerRollbacks.WithLabelValues(reason).Inc()
}

func (c *Collector) CaptureAttempt(source domain.TrackSource, err error) {
	c.captureAttempts.WithLabelValues(string(source), captureResult(err)).Inc()
}

func (c *Collector) RelayConnectionOpened() { c.relayConnections.Inc() }
func (c *Collector) RelayConnectionClosed() { c.relayConnections.Dec() }

func (c *Collector) RelayMessage(t domain.MessageType, transport string) {
	c.relayMessages.WithLabelValues(string(t), transport).Inc()
}

func captureResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "device_unavailable"
	default:
		return "error"
	}
}

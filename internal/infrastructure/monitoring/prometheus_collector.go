package monitoring

import (
	"time"

	"meshcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.SignalingMetrics.
type PrometheusCollector struct {
	sessionsConnected prometheus.Gauge
	roomsActive       prometheus.Gauge
	sessionsTotal     prometheus.Counter

	sessionDuration prometheus.Histogram

	roomOperations  *prometheus.CounterVec
	messagesRelayed *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
}

// NewPrometheusCollector registers the signaling metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_sessions_connected",
			Help: "Number of currently connected signaling sessions",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_rooms_active",
			Help: "Number of live rooms",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_sessions_total",
			Help: "Total number of signaling sessions accepted",
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_session_duration_seconds",
			Help:    "Lifetime of signaling sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		roomOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_room_operations_total",
			Help: "Room registry operations by kind",
		}, []string{"op"}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_messages_relayed_total",
			Help: "Envelopes handed to a session by type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_messages_dropped_total",
			Help: "Envelopes dropped by type and reason",
		}, []string{"type", "reason"}),
	}
}

func (p *PrometheusCollector) SessionConnected() {
	p.sessionsConnected.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionDisconnected(duration time.Duration) {
	p.sessionsConnected.Dec()
	p.sessionDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) RoomOperation(op string) {
	p.roomOperations.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) MessageRelayed(t domain.MessageType) {
	p.messagesRelayed.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) MessageDropped(t domain.MessageType, reason string) {
	p.messagesDropped.WithLabelValues(string(t), reason).Inc()
}

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	ActiveTransfers prometheus.Gauge
	Transitions     *prometheus.CounterVec
	BusEvents       *prometheus.CounterVec
	ProtocolEvents  *prometheus.CounterVec
	ProtocolErrors  *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTransfers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Number of transfer sessions currently persisted.",
		}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_transitions_total",
			Help:      "State machine transitions by trigger, state and outcome.",
		}, []string{"trigger", "state", "outcome"}),
		BusEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Domain events published to the bus by name.",
		}, []string{"name"}),
		ProtocolEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_events_total",
			Help:      "Call-control events received by type.",
		}, []string{"type"}),
		ProtocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Call-control request failures by class.",
		}, []string{"class"}),
	}
}

// CountTransition is nil-safe so wiring metrics stays optional.
func (m *Metrics) CountTransition(trigger, state, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(trigger, state, outcome).Inc()
}

// CountBusEvent is nil-safe.
func (m *Metrics) CountBusEvent(name string) {
	if m == nil {
		return
	}
	m.BusEvents.WithLabelValues(name).Inc()
}

// CountProtocolEvent is nil-safe.
func (m *Metrics) CountProtocolEvent(eventType string) {
	if m == nil {
		return
	}
	m.ProtocolEvents.WithLabelValues(eventType).Inc()
}

// SetActiveTransfers is nil-safe.
func (m *Metrics) SetActiveTransfers(n int) {
	if m == nil {
		return
	}
	m.ActiveTransfers.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

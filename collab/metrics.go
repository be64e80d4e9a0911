package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for protocol-level observability. Validation failures and dropped
// messages are counted but never retried; the numbers exist so operators can
// spot misbehaving clients without reading debug logs.
var (
	validationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_validation_failures_total",
		Help: "Inbound messages rejected by the validator, by reason.",
	}, []string{"reason"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_dropped_total",
		Help: "Inbound messages dropped before dispatch, by cause.",
	}, []string{"cause"})

	messagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_dispatched_total",
		Help: "Messages routed to a handler, by type.",
	}, []string{"type"})

	broadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_broadcasts_total",
		Help: "Fan-out broadcast operations performed.",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_connections",
		Help: "Currently open collaboration connections.",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_sessions",
		Help: "Sessions currently resident in memory.",
	})

	conflictsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_conflicts_open",
		Help: "Conflicts currently pending human resolution.",
	})
)

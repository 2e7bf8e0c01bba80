// Package metrics provides Prometheus instrumentation for agentbus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream metrics.
var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbus_stream_messages_received_total",
		Help: "Total number of message frames decoded from the event stream.",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbus_stream_reconnects_total",
		Help: "Total number of stream reconnection attempts.",
	})

	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentbus_stream_state",
		Help: "Current stream state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=stopped).",
	})
)

// Routing metrics.
var (
	MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbus_messages_accepted_total",
		Help: "Messages accepted by the row-level filter.",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbus_messages_dropped_total",
		Help: "Messages dropped before routing.",
	}, []string{"reason"})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbus_messages_delivered_total",
		Help: "Messages delivered to a local session worker.",
	})

	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbus_messages_failed_total",
		Help: "Messages whose routing failed.",
	})

	InflightDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentbus_inflight_deliveries",
		Help: "Number of worker deliveries currently in flight.",
	})
)

// Agent metrics.
var (
	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentbus_registered_agents",
		Help: "Number of local sessions currently registered as agents.",
	})

	HeartbeatErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbus_heartbeat_errors_total",
		Help: "Total number of failed heartbeat calls.",
	})
)

// Audit metrics.
var (
	AuditFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbus_audit_flushes_total",
		Help: "Audit batch flushes by outcome.",
	}, []string{"outcome"})
)

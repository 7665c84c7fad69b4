package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState reports the current connection.State as a gauge per
	// device id (1 for the active state, 0 otherwise) — simulator
	// equivalent of the teacher's ActiveConnections.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simulator_connection_state",
		Help: "Connection state of a simulated device (1=state is current, 0=not).",
	}, []string{"device_id", "state"})

	// OutboundRequests counts every Device action request sent, labeled by
	// dialect and action.
	OutboundRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_outbound_requests_total",
		Help: "Total number of outbound protocol requests sent by simulated devices.",
	}, []string{"dialect", "action"})

	// ResponseTimeouts counts requests whose response never arrived within
	// the configured deadline, labeled by dialect and action.
	ResponseTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_response_timeouts_total",
		Help: "Total number of response timeouts, labeled by dialect and action.",
	}, []string{"dialect", "action"})

	// ActiveSessions tracks the number of devices currently in a non-Idle
	// ChargeSession state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_active_sessions",
		Help: "The number of simulated devices with an in-progress charge session.",
	})

	// FrequentFlowInvocations counts every flow run through
	// Simulator.TriggerFlow, labeled by flow name; flows the frequent
	// scheduler spawns are not counted.
	FrequentFlowInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_frequent_flow_invocations_total",
		Help: "Total number of frequent-flow invocations, labeled by flow name.",
	}, []string{"flow"})

	// ErrorEvents counts every ErrorEvent emitted, labeled by kind.
	ErrorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_error_events_total",
		Help: "Total number of ErrorEvents emitted, labeled by kind.",
	}, []string{"kind"})
)

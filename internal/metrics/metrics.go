// Package metrics exposes hub counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrmq_messages_pushed_total",
		Help: "Total number of messages pushed into the hub",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrmq_messages_delivered_total",
		Help: "Total number of message copies enqueued into agent queues",
	})

	MessagesUnrouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrmq_messages_unrouted_total",
		Help: "Total number of pushed messages that matched no subscription",
	})

	MessagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrmq_messages_expired_total",
		Help: "Total number of queued messages removed by the expiration sweep",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lrmq_commands_total",
		Help: "Total number of agent commands processed by command and answer",
	}, []string{"cmd", "answer"})

	RPC = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lrmq_rpc_total",
		Help: "Total number of RPC correlation events by kind",
	}, []string{"kind"})

	PendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lrmq_rpc_pending_calls",
		Help: "Number of calls waiting for their return",
	})

	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lrmq_sessions",
		Help: "Number of agent sessions by state",
	}, []string{"state"})

	LifecycleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lrmq_lifecycle_events_total",
		Help: "Total number of agent lifecycle events by event name",
	}, []string{"event"})
)

// RPC correlation event kinds.
const (
	RPCCall    = "call"
	RPCReturn  = "return"
	RPCOrphan  = "orphan"
	RPCBadCall = "badcall"
)

// IncCommand records a processed command. Callers map unrecognised command
// names to a fixed label to bound cardinality.
func IncCommand(cmd, answer string) {
	if answer == "" {
		answer = "unknown"
	}
	Commands.WithLabelValues(cmd, answer).Inc()
}

// IncRPC records a correlation event.
func IncRPC(kind string) {
	RPC.WithLabelValues(kind).Inc()
}

// SetSessions publishes the current per-state session counts. States missing
// from counts are reset to zero.
func SetSessions(states []string, counts map[string]int) {
	for _, s := range states {
		Sessions.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// ABOUTME: Prometheus collectors for the realtime chat core
// ABOUTME: Registered once at startup and exposed on /metrics

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_conns",
		Help: "Current open websocket connections.",
	})

	MessagesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_created_total",
		Help: "Total messages persisted by the ledger.",
	})
	AcksApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_acks_applied_total",
		Help: "Total delivery/read acknowledgments applied.",
	}, []string{"kind"})

	EventsBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_events_broadcast_total",
		Help: "Total events fanned out to room subscribers.",
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_events_dropped_total",
		Help: "Total events dropped because a subscriber queue was full.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns,
		MessagesCreated, AcksApplied,
		EventsBroadcast, EventsDropped,
	)
}

// Package metrics exposes the engine's Prometheus instrumentation:
// queue depth, resend counts, and duty-cycle usage, the same ambient
// observability role stapelberg/hmgo's BidCoS controller and
// facebook/time's ntpcheck daemon give their protocol engines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PacketsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maxengine",
		Name:      "packets_sent_total",
		Help:      "Packets transmitted, by physical interface.",
	}, []string{"interface"})

	PacketsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maxengine",
		Name:      "packets_received_total",
		Help:      "Packets received, by physical interface.",
	}, []string{"interface"})

	Resends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maxengine",
		Name:      "queue_resends_total",
		Help:      "Resend attempts, by queue type.",
	}, []string{"queue_type"})

	QueueExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maxengine",
		Name:      "queue_exhausted_total",
		Help:      "Queues that exhausted all retries without a match, by queue type.",
	}, []string{"queue_type"})

	ActiveQueues = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "maxengine",
		Name:      "active_queues",
		Help:      "Number of addresses currently holding an active queue.",
	})

	PeersReachable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "maxengine",
		Name:      "peers_reachable",
		Help:      "Number of paired peers not currently flagged UNREACH.",
	})

	DutyCycleRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maxengine",
		Name:      "duty_cycle_refused_total",
		Help:      "Sends rejected by the dongle's 1%% duty-cycle limiter (LOVF), by interface.",
	}, []string{"interface"})
)

func init() {
	prometheus.MustRegister(PacketsSent, PacketsReceived, Resends, QueueExhausted, ActiveQueues, PeersReachable, DutyCycleRefused)
}

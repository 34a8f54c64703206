package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label of relay_messages_dropped_total.
const (
	dropUnsigned     = "unsigned"
	dropHeartbeat    = "heartbeat"
	dropUnsubscribed = "unsubscribed"
)

var (
	messagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "messages_dispatched_total",
		Help:      "Inbound messages handed to a topic handler.",
	}, []string{"topic"})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages discarded before reaching a handler.",
	}, []string{"reason"})

	handlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "handler_failures_total",
		Help:      "Topic handlers that returned an error or panicked.",
	}, []string{"topic"})

	messagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "messages_published_total",
		Help:      "Messages published, by outcome.",
	}, []string{"outcome"})

	peersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "peers_connected",
		Help:      "Peers with at least one open connection.",
	})

	metricsOnce sync.Once
)

// RegisterMetrics registers the relay collectors with reg. Only the first call
// has an effect.
func RegisterMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(
			messagesDispatched,
			messagesDropped,
			handlerFailures,
			messagesPublished,
			peersConnected,
		)
	})
}

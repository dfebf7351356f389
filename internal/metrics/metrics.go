package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. Collection is
// best-effort and never influences operation results.
type Metrics struct {
	PublishedMessages prometheus.Counter
	EnqueuedMessages  prometheus.Counter
	PubSubReceived    prometheus.Counter
	EchoesDropped     prometheus.Counter
	DroppedPayloads   prometheus.Counter
	ReapedClients     prometheus.Counter
	GCRuns            prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faye_engine_published_messages_total",
			Help: "Messages accepted by Publish.",
		}),
		EnqueuedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faye_engine_enqueued_messages_total",
			Help: "Per-subscriber queue appends, local and remote paths combined.",
		}),
		PubSubReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faye_engine_pubsub_received_total",
			Help: "Messages received on the inter-process subscription.",
		}),
		EchoesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faye_engine_echoes_dropped_total",
			Help: "Locally published messages filtered out of the receive path.",
		}),
		DroppedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faye_engine_dropped_payloads_total",
			Help: "Malformed JSON payloads dropped from queues or pub/sub.",
		}),
		ReapedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faye_engine_reaped_clients_total",
			Help: "Expired clients removed by the garbage collector.",
		}),
		GCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faye_engine_gc_runs_total",
			Help: "Completed garbage collection cycles.",
		}),
	}
	reg.MustRegister(
		m.PublishedMessages,
		m.EnqueuedMessages,
		m.PubSubReceived,
		m.EchoesDropped,
		m.DroppedPayloads,
		m.ReapedClients,
		m.GCRuns,
	)
	return m
}

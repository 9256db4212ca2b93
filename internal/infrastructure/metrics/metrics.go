package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "graylogic_zigbee"

// Metrics holds the bridge's Prometheus collectors on a private registry so
// that independent bridges (and tests) never share counters.
type Metrics struct {
	registry *prometheus.Registry

	MessagesHandled prometheus.Counter
	RetryEnqueued   *prometheus.CounterVec
	Replayed        prometheus.Counter
	Writes          *prometheus.CounterVec
	PulseReverts    prometheus.Counter
	CommandsSent    prometheus.Counter
	QueueDepth      prometheus.Gauge
	LiveTimers      prometheus.Gauge
	Connected       prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Total device messages received by the router, excluding retry replays",
		}),
		RetryEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "enqueued_total",
			Help:      "Total messages deferred to the retry queue",
		}, []string{"reason"}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "replayed_total",
			Help:      "Total retry queue entries replayed",
		}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "writes_total",
			Help:      "Total state writes issued to the store",
		}, []string{"mode"}),
		PulseReverts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "reverts_total",
			Help:      "Total pulse slots reverted to their complement",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Total set commands published to devices",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "queue_depth",
			Help:      "Current number of entries in the retry queue",
		}),
		LiveTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "live_timers",
			Help:      "Current number of pending pulse reverts",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 if the MQTT connection is up, else 0",
		}),
	}

	m.registry.MustRegister(
		m.MessagesHandled,
		m.RetryEnqueued,
		m.Replayed,
		m.Writes,
		m.PulseReverts,
		m.CommandsSent,
		m.QueueDepth,
		m.LiveTimers,
		m.Connected,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

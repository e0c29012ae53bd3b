package introspect

import "github.com/prometheus/client_golang/prometheus"

// Prometheus naming: one namespace/subsystem pair, label constants named
// up front.
const (
	metricsNamespace = "peerchat"
	metricsSubsystem = "overlay"
)

const labelOutcome = "outcome"

// Collector holds the process's Prometheus metrics (spec SPEC_FULL §9:
// session count, messages routed, relay drops, ACK timeouts), exposed at
// GET /metrics.
type Collector struct {
	Sessions      prometheus.Gauge
	Dashboards    prometheus.Gauge
	MessagesTotal *prometheus.CounterVec
	RelayDrops    prometheus.Counter
	AckTimeouts   prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions",
			Help:      "Number of currently open peer sessions.",
		}),
		Dashboards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dashboards",
			Help:      "Number of connected /ws/events dashboard clients.",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_total",
			Help:      "Total router delivery decisions, labeled by outcome.",
		}, []string{labelOutcome}),
		RelayDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "relay_drops_total",
			Help:      "Total frames dropped for TTL expiry, loop detection, or missing route.",
		}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ack_timeouts_total",
			Help:      "Total Originate calls whose ACK deadline expired unanswered.",
		}),
	}

	reg.MustRegister(c.Sessions, c.Dashboards, c.MessagesTotal, c.RelayDrops, c.AckTimeouts)
	return c
}

// Observe folds one router DeliveryEvent outcome into the message and
// relay-drop counters.
func (c *Collector) Observe(outcome string) {
	c.MessagesTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case EventDroppedTTL, EventDroppedLoop, EventNoRoute:
		c.RelayDrops.Inc()
	}
}

// IncAckTimeout records one unanswered Originate ACK deadline.
func (c *Collector) IncAckTimeout() {
	c.AckTimeouts.Inc()
}

// SetSessions sets the current open-session gauge.
func (c *Collector) SetSessions(n int) {
	c.Sessions.Set(float64(n))
}

// SetDashboards sets the current connected-dashboard gauge.
func (c *Collector) SetDashboards(n int) {
	c.Dashboards.Set(float64(n))
}

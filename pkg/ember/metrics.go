package ember

import "github.com/prometheus/client_golang/prometheus"

// Metrics wires connection-lifecycle counters into Prometheus, grounded on
// the teacher's own buffer_pool_prometheus.go (promauto counters/gauges
// registered against a *prometheus.Registry) and on AdGuardDNS's pervasive
// use of client_golang for server-side counters.
type Metrics struct {
	activeConnections prometheus.Gauge
	acceptedTotal      prometheus.Counter
	rejectedTotal      *prometheus.CounterVec
	closedTotal        prometheus.Counter
	timeoutsTotal       prometheus.Counter
	writeQueueBytes    prometheus.Gauge
}

// NewMetrics registers the connection-lifecycle collectors against reg. A
// nil reg gets a private registry, so tests can construct as many Metrics
// as they like without colliding on prometheus's default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of connections currently admitted.",
		}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total number of connections admitted.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "connections",
			Name:      "rejected_total",
			Help:      "Total number of connections rejected by admission control.",
		}, []string{"reason"}),
		closedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Total number of connections closed.",
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "connections",
			Name:      "idle_timeouts_total",
			Help:      "Total number of connections closed by the idle-timeout reaper.",
		}),
		writeQueueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember",
			Subsystem: "write_queue",
			Name:      "pending_bytes",
			Help:      "Sum of bytes currently buffered across all write queues.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.acceptedTotal,
		m.rejectedTotal,
		m.closedTotal,
		m.timeoutsTotal,
		m.writeQueueBytes,
	)

	return m
}

func (m *Metrics) onAdmit() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.acceptedTotal.Inc()
}

func (m *Metrics) onReject(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) onClose() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
	m.closedTotal.Inc()
}

func (m *Metrics) onTimeout() {
	if m == nil {
		return
	}
	m.timeoutsTotal.Inc()
}

func (m *Metrics) addWriteQueueBytes(delta int) {
	if m == nil {
		return
	}
	m.writeQueueBytes.Add(float64(delta))
}

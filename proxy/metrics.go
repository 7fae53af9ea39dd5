package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "wasiworker"
	metricsSubsystem = "proxy"
)

// Metrics counts worker lifecycle events. A nil *Metrics records nothing.
type Metrics struct {
	created      prometheus.Counter
	initialized  prometheus.Counter
	initFailures prometheus.Counter
	posted       prometheus.Counter
	received     prometheus.Counter
	disposed     prometheus.Counter
	live         prometheus.Gauge
}

// NewMetrics creates the proxy collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		created:      counter("workers_created_total", "Worker proxies constructed."),
		initialized:  counter("workers_initialized_total", "Workers that completed initialization."),
		initFailures: counter("init_failures_total", "Failed worker initializations."),
		posted:       counter("messages_posted_total", "Messages forwarded to workers."),
		received:     counter("messages_received_total", "Messages received from workers."),
		disposed:     counter("workers_disposed_total", "Workers torn down."),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "workers_live",
			Help:      "Workers initialized and not yet disposed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.initialized, m.initFailures, m.posted, m.received, m.disposed, m.live)
	}
	return m
}

func (m *Metrics) workerCreated() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *Metrics) workerInitialized() {
	if m != nil {
		m.initialized.Inc()
		m.live.Inc()
	}
}

func (m *Metrics) initFailed() {
	if m != nil {
		m.initFailures.Inc()
	}
}

func (m *Metrics) messagePosted() {
	if m != nil {
		m.posted.Inc()
	}
}

func (m *Metrics) messageReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) workerDisposed(wasLive bool) {
	if m != nil {
		m.disposed.Inc()
		if wasLive {
			m.live.Dec()
		}
	}
}

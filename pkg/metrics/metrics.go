package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "executor"

// Metrics groups the collectors exported by the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	jobs           *prometheus.CounterVec
	inFlight       prometheus.Gauge
	handlerSeconds prometheus.Histogram
	orders         *prometheus.CounterVec
	subscribers    prometheus.Gauge
	dropped        prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Jobs by lifecycle event (enqueued, completed, retried, failed).",
		}, []string{"event"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Handlers currently executing.",
		}),
		handlerSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the job handler per delivery.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10},
		}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "terminal_total",
			Help:      "Orders reaching a terminal status.",
		}, []string{"status"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Attached order subscriptions.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "slow_subscribers_dropped_total",
			Help:      "Subscriptions closed because their buffer filled up.",
		}),
	}
}

func (m *Metrics) JobEvent(event string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(event).Inc()
}

// HandlerStarted marks a delivery in flight and returns the func that ends it.
func (m *Metrics) HandlerStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func() {
		m.inFlight.Dec()
		m.handlerSeconds.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) OrderTerminal(status string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(status).Inc()
}

func (m *Metrics) SubscriberAttached() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberDetached() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

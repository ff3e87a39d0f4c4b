package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPRequestDuration records request latency by method, route, and status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tqs",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"method", "route", "status"},
)

// EnqueuedTotal counts messages successfully enqueued, by queue.
var EnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tqs",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total number of messages enqueued.",
	},
	[]string{"queue"},
)

// DequeuedTotal counts messages returned from a dequeue, by queue.
var DequeuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tqs",
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Total number of messages returned by dequeue.",
	},
	[]string{"queue"},
)

// AckedTotal counts successful lease acknowledgements, by queue.
var AckedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tqs",
		Subsystem: "queue",
		Name:      "acked_total",
		Help:      "Total number of messages acknowledged (deleted by lease).",
	},
	[]string{"queue"},
)

// LeasesExpiredTotal counts leases released by the LeaseSweeper.
var LeasesExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tqs",
		Subsystem: "sweeper",
		Name:      "leases_expired_total",
		Help:      "Total number of leases released by the lease sweeper.",
	},
)

// MessagesExpiredTotal counts messages removed by the MessageSweeper.
var MessagesExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tqs",
		Subsystem: "sweeper",
		Name:      "messages_expired_total",
		Help:      "Total number of messages removed by the retention sweeper.",
	},
)

// QueueDepth reports the current message count per queue and derived state
// (visible, leased, delayed), refreshed by the statistics reporter.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tqs",
		Subsystem: "queue",
		Name:      "messages",
		Help:      "Current message count by queue and state.",
	},
	[]string{"queue", "state"},
)

// SweepDuration records how long each sweeper pass took.
var SweepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tqs",
		Subsystem: "sweeper",
		Name:      "pass_duration_seconds",
		Help:      "Duration of a single sweeper pass.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"sweeper"},
)

// All returns every TQS-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		EnqueuedTotal,
		DequeuedTotal,
		AckedTotal,
		LeasesExpiredTotal,
		MessagesExpiredTotal,
		QueueDepth,
		SweepDuration,
	}
}

// NewRegistry creates a Prometheus registry with the Go/process collectors
// and the given application collectors registered.
func NewRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}

// observeDuration is a small helper so callers can `defer observeDuration(...)`.
func observeDuration(hist *prometheus.HistogramVec, labels []string, start time.Time) {
	hist.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}

package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus instruments. Pass the same
// instance to at most one Scheduler.
type Metrics struct {
	scheduled  prometheus.Counter
	executed   prometheus.Counter
	canceled   prometheus.Counter
	failed     prometheus.Counter
	lateness   prometheus.Histogram
	queueDepth prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "delayq_jobs_scheduled_total",
			Help: "Jobs accepted by Schedule.",
		}),
		executed: f.NewCounter(prometheus.CounterOpts{
			Name: "delayq_jobs_executed_total",
			Help: "Jobs whose action ran to completion.",
		}),
		canceled: f.NewCounter(prometheus.CounterOpts{
			Name: "delayq_jobs_canceled_total",
			Help: "Jobs removed by Cancel before dispatch.",
		}),
		failed: f.NewCounter(prometheus.CounterOpts{
			Name: "delayq_jobs_failed_total",
			Help: "Jobs whose action panicked.",
		}),
		lateness: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "delayq_dispatch_lateness_seconds",
			Help:    "Gap between a job's due time and its dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "delayq_queue_depth",
			Help: "Jobs currently pending.",
		}),
	}
}

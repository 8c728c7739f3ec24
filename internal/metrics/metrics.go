package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	JobsSubmitted  prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     *prometheus.CounterVec
	JobsCancelled  prometheus.Counter
	JobsRetried    prometheus.Counter
	RenderDuration prometheus.Histogram
	SlotsInUse     prometheus.Gauge
	SlotsWaiting   prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "configurator_jobs_submitted_total",
			Help: "Total number of generation jobs submitted",
		}),
		JobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "configurator_jobs_completed_total",
			Help: "Total number of generation jobs that completed",
		}),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "configurator_jobs_failed_total",
			Help: "Total number of generation jobs that failed, by error code",
		}, []string{"code"}),
		JobsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "configurator_jobs_cancelled_total",
			Help: "Total number of generation jobs cancelled",
		}),
		JobsRetried: f.NewCounter(prometheus.CounterOpts{
			Name: "configurator_jobs_retried_total",
			Help: "Total number of transient tool failures sent back to the queue",
		}),
		RenderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "configurator_render_duration_seconds",
			Help:    "Headless tool invocation duration in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		SlotsInUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "configurator_slots_in_use",
			Help: "Current number of execution slots held",
		}),
		SlotsWaiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "configurator_slots_waiting",
			Help: "Current number of jobs waiting for an execution slot",
		}),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "configurator_http_requests_total",
				Help: "Total HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
	}
}

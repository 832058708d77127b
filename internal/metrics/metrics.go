package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audio_pipeline_queue_pending",
			Help: "Number of submissions waiting for the worker",
		},
	)

	workerBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audio_pipeline_worker_busy",
			Help: "Worker status (1=running a job, 0=idle) - only 1 worker exists",
		},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audio_pipeline_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audio_pipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"stage", "status"},
	)

	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audio_pipeline_persist_failures_total",
			Help: "Failed writes of terminal job state by target",
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(queuePending)
	prometheus.MustRegister(workerBusy)
	prometheus.MustRegister(jobsFinished)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(persistFailures)
}

// SetQueuePending records the number of pending submissions.
func SetQueuePending(n int) {
	queuePending.Set(float64(n))
}

// SetWorkerBusy records whether the worker is running a job.
func SetWorkerBusy(busy bool) {
	if busy {
		workerBusy.Set(1)
		return
	}
	workerBusy.Set(0)
}

// JobFinished counts a job that reached status.
func JobFinished(status string) {
	jobsFinished.WithLabelValues(status).Inc()
}

// ObserveStage records how long a stage ran and how it ended.
func ObserveStage(stage, status string, d time.Duration) {
	stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// PersistFailure counts a failed durability write.
func PersistFailure(target string) {
	persistFailures.WithLabelValues(target).Inc()
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

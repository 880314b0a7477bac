package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omen_jobs_processed_total",
		Help: "Job executions by queue, name and outcome.",
	}, []string{"queue", "name", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omen_job_duration_seconds",
		Help:    "Handler execution time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 3, 8),
	}, []string{"queue", "name"})
)

func observeJob(queue, name, outcome string, elapsed time.Duration) {
	jobsProcessed.WithLabelValues(queue, name, outcome).Inc()
	jobDuration.WithLabelValues(queue, name).Observe(elapsed.Seconds())
}

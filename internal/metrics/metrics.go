package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks background job processing.
type Metrics struct {
	processed   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rankingRows *prometheus.GaugeVec
}

// New registers the job metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_jobs_processed_total",
			Help: "Background jobs processed, by job name and outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_job_duration_seconds",
			Help:    "Time spent handling a background job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		rankingRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exam_ranking_rows",
			Help: "Ranking rows written by the last ranking run of an exam.",
		}, []string{"exam"}),
	}
	reg.MustRegister(m.processed, m.duration, m.rankingRows)
	return m
}

// ObserveJob records one handled job.
func (m *Metrics) ObserveJob(job, outcome string, elapsed time.Duration) {
	m.processed.WithLabelValues(job, outcome).Inc()
	m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// SetRankingRows records the size of the last ranking written for an exam.
func (m *Metrics) SetRankingRows(exam string, rows int) {
	m.rankingRows.WithLabelValues(exam).Set(float64(rows))
}

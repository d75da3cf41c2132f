// Package metrics provides Prometheus metrics for the derived-asset pipeline and batch engines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics groups every collector the service exports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	stageRunsTotal       *prometheus.CounterVec
	stageAttemptsTotal   *prometheus.CounterVec
	stageDurationSeconds *prometheus.HistogramVec
	tasksDispatchedTotal *prometheus.CounterVec
	sweepRunsTotal       *prometheus.CounterVec
	staleBatchesTotal    prometheus.Counter
	ingestTotal          *prometheus.CounterVec
	groupingRunsTotal    *prometheus.CounterVec
	groupingDuration     prometheus.Histogram
	rankingRunsTotal     *prometheus.CounterVec
	qualityScoresTotal   *prometheus.CounterVec
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.stageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_runs_total",
			Help: "Stage executions by outcome",
		},
		[]string{"stage", "outcome"},
	)
	m.stageAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_attempts_total",
			Help: "Individual stage attempts including retries",
		},
		[]string{"stage"},
	)
	m.stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Wall time of a stage execution including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"stage"},
	)
	m.tasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_dispatched_total",
			Help: "Stage tasks handed to the dispatcher",
		},
		[]string{"stage", "source"}, // source: ingest, sweep
	)
	m.sweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_sweep_runs_total",
			Help: "Reconciliation sweeps by outcome",
		},
		[]string{"outcome"},
	)
	m.staleBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_stale_processing_failed_total",
		Help: "Batches moved from processing to failed by the reconciler",
	})
	m.ingestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_uploads_total",
			Help: "Ingested uploads by result",
		},
		[]string{"result"}, // created, duplicate, error
	)
	m.groupingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_grouping_runs_total",
			Help: "Clustering runs by algorithm and outcome",
		},
		[]string{"algorithm", "outcome"},
	)
	m.groupingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_grouping_duration_seconds",
		Help:    "Time taken by a clustering run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	m.rankingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_ranking_runs_total",
			Help: "Group ranking runs by metric and outcome",
		},
		[]string{"metric", "outcome"},
	)
	m.qualityScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quality_scores_total",
			Help: "Quality scores served from cache or computed",
		},
		[]string{"metric", "source"}, // source: cache, computed
	)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.stageRunsTotal,
		m.stageAttemptsTotal,
		m.stageDurationSeconds,
		m.tasksDispatchedTotal,
		m.sweepRunsTotal,
		m.staleBatchesTotal,
		m.ingestTotal,
		m.groupingRunsTotal,
		m.groupingDuration,
		m.rankingRunsTotal,
		m.qualityScoresTotal,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// RecordStage records one finished stage execution.
func (m *Metrics) RecordStage(stage, outcome string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageRunsTotal.WithLabelValues(stage, outcome).Inc()
	if attempts > 0 {
		m.stageAttemptsTotal.WithLabelValues(stage).Add(float64(attempts))
		m.stageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// RecordDispatch counts a task handed to the dispatcher.
func (m *Metrics) RecordDispatch(stage, source string) {
	if m == nil {
		return
	}
	m.tasksDispatchedTotal.WithLabelValues(stage, source).Inc()
}

// RecordSweep counts a reconciliation sweep.
func (m *Metrics) RecordSweep(outcome string, staleBatches int) {
	if m == nil {
		return
	}
	m.sweepRunsTotal.WithLabelValues(outcome).Inc()
	m.staleBatchesTotal.Add(float64(staleBatches))
}

// RecordIngest counts one upload by result.
func (m *Metrics) RecordIngest(result string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(result).Inc()
}

// RecordGrouping records one clustering run.
func (m *Metrics) RecordGrouping(algorithm, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.groupingRunsTotal.WithLabelValues(algorithm, outcome).Inc()
	m.groupingDuration.Observe(elapsed.Seconds())
}

// RecordRanking records one ranking run.
func (m *Metrics) RecordRanking(metric, outcome string) {
	if m == nil {
		return
	}
	m.rankingRunsTotal.WithLabelValues(metric, outcome).Inc()
}

// RecordQualityScore counts a score lookup.
func (m *Metrics) RecordQualityScore(metric string, cached bool) {
	if m == nil {
		return
	}
	source := "computed"
	if cached {
		source = "cache"
	}
	m.qualityScoresTotal.WithLabelValues(metric, source).Inc()
}

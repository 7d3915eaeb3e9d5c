package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClipsTransformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinetrain_clips_transformed_total",
		Help: "Total number of clips run through the transform pipeline",
	})

	DataErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinetrain_data_errors_total",
		Help: "Total number of per-sample data errors, by policy outcome",
	}, []string{"action"})

	BatchesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinetrain_batches_processed_total",
		Help: "Total number of training batches processed, by split",
	}, []string{"split"})

	CheckpointWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinetrain_checkpoint_writes_total",
		Help: "Total number of checkpoint writes, by status",
	}, []string{"status"})

	EpochDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cinetrain_epoch_duration_seconds",
		Help:    "Duration of one training epoch",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cinetrain_learning_rate",
		Help: "Current optimizer learning rate",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinetrain_runs_total",
		Help: "Total number of training runs, by final status",
	}, []string{"status"})
)

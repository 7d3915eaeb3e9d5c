package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func CreateTrainingRun(ctx context.Context, txn *gorm.DB, id uuid.UUID, name, configYAML string) error {
	run := TrainingRun{
		Id:           id,
		Name:         name,
		Status:       RunQueued,
		ConfigYAML:   configYAML,
		CreationTime: time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating training run", "run_id", id, "error", err)
		return fmt.Errorf("error creating training run: %w", err)
	}
	return nil
}

func GetTrainingRun(ctx context.Context, txn *gorm.DB, id uuid.UUID) (TrainingRun, error) {
	var run TrainingRun
	if err := txn.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return TrainingRun{}, fmt.Errorf("error getting training run %s: %w", id, err)
	}
	return run, nil
}

func ListTrainingRuns(ctx context.Context, txn *gorm.DB) ([]TrainingRun, error) {
	var runs []TrainingRun
	if err := txn.WithContext(ctx).Order("creation_time desc").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("error listing training runs: %w", err)
	}
	return runs, nil
}

func ListTrainingRunsByStatus(ctx context.Context, txn *gorm.DB, status string) ([]TrainingRun, error) {
	var runs []TrainingRun
	if err := txn.WithContext(ctx).Where("status = ?", status).Order("creation_time desc").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("error listing %s training runs: %w", status, err)
	}
	return runs, nil
}

func UpdateTrainingRunStatus(ctx context.Context, txn *gorm.DB, id uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case RunRunning:
		updates["start_time"] = time.Now().UTC()
	case RunCompleted, RunFailed:
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: id}).Updates(updates).Error; err != nil {
		slog.Error("error updating training run status", "run_id", id, "status", status, "error", err)
		return fmt.Errorf("error updating training run status: %w", err)
	}
	return nil
}

func SetTrainingRunError(ctx context.Context, txn *gorm.DB, id uuid.UUID, runErr error) error {
	updates := map[string]any{
		"status":          RunFailed,
		"error":           runErr.Error(),
		"completion_time": time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: id}).Updates(updates).Error; err != nil {
		slog.Error("error recording training run failure", "run_id", id, "error", err)
		return fmt.Errorf("error recording training run failure: %w", err)
	}
	return nil
}

func SetTrainingRunResult(ctx context.Context, txn *gorm.DB, id uuid.UUID, bestLoss float64, checkpointPath string) error {
	updates := map[string]any{
		"best_loss": sql.NullFloat64{Float64: bestLoss, Valid: true},
	}
	if checkpointPath != "" {
		updates["checkpoint_path"] = checkpointPath
	}
	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: id}).Updates(updates).Error; err != nil {
		slog.Error("error recording training run result", "run_id", id, "error", err)
		return fmt.Errorf("error recording training run result: %w", err)
	}
	return nil
}

func RecordEpochMetric(ctx context.Context, txn *gorm.DB, metric EpochMetric) error {
	metric.RecordedAt = time.Now().UTC()
	if err := txn.WithContext(ctx).Create(&metric).Error; err != nil {
		slog.Error("error recording epoch metric", "run_id", metric.RunId, "epoch", metric.Epoch, "error", err)
		return fmt.Errorf("error recording epoch metric: %w", err)
	}
	return nil
}

func GetEpochMetrics(ctx context.Context, txn *gorm.DB, runId uuid.UUID) ([]EpochMetric, error) {
	var metrics []EpochMetric
	if err := txn.WithContext(ctx).Where("run_id = ?", runId).Order("epoch asc").Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("error getting metrics for run %s: %w", runId, err)
	}
	return metrics, nil
}

// RequeueStaleRuns moves RUNNING runs back to QUEUED. Called at worker
// startup so runs orphaned by a crash are picked up again.
func RequeueStaleRuns(ctx context.Context, txn *gorm.DB) (int64, error) {
	res := txn.WithContext(ctx).Model(&TrainingRun{}).Where("status = ?", RunRunning).Update("status", RunQueued)
	if res.Error != nil {
		return 0, fmt.Errorf("error requeueing stale runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

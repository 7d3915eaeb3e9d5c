package database

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, GetMigrator(db).Migrate())
	return db
}

func TestTrainingRunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, CreateTrainingRun(ctx, db, id, "lv-ef-baseline", "training:\n  epochs: 5\n"))

	run, err := GetTrainingRun(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, RunQueued, run.Status)
	assert.Equal(t, "lv-ef-baseline", run.Name)
	assert.False(t, run.StartTime.Valid)

	require.NoError(t, UpdateTrainingRunStatus(ctx, db, id, RunRunning))
	run, err = GetTrainingRun(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.Status)
	assert.True(t, run.StartTime.Valid)
	assert.False(t, run.CompletionTime.Valid)

	require.NoError(t, SetTrainingRunResult(ctx, db, id, 0.042, "runs/x/latest.json"))
	require.NoError(t, UpdateTrainingRunStatus(ctx, db, id, RunCompleted))

	run, err = GetTrainingRun(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.True(t, run.CompletionTime.Valid)
	require.True(t, run.BestLoss.Valid)
	assert.Equal(t, 0.042, run.BestLoss.Float64)
	assert.Equal(t, "runs/x/latest.json", run.CheckpointPath.String)
}

func TestTrainingRunFailureRecordsError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, CreateTrainingRun(ctx, db, id, "bad-run", ""))
	require.NoError(t, SetTrainingRunError(ctx, db, id, errors.New("numerical error: non-finite loss")))

	run, err := GetTrainingRun(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error.String, "non-finite loss")
	assert.True(t, run.CompletionTime.Valid)
}

func TestGetTrainingRunNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := GetTrainingRun(context.Background(), db, uuid.New())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestListTrainingRunsNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, CreateTrainingRun(ctx, db, first, "first", ""))
	require.NoError(t, CreateTrainingRun(ctx, db, second, "second", ""))

	// force distinct creation times
	require.NoError(t, db.Model(&TrainingRun{Id: first}).Update("creation_time", "2026-01-01T00:00:00Z").Error)

	runs, err := ListTrainingRuns(ctx, db)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].Id)
	assert.Equal(t, first, runs[1].Id)
}

func TestEpochMetrics(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, CreateTrainingRun(ctx, db, id, "metrics-run", ""))
	for epoch := 0; epoch < 3; epoch++ {
		require.NoError(t, RecordEpochMetric(ctx, db, EpochMetric{
			RunId:        id,
			Epoch:        epoch,
			TrainLoss:    1.0 / float64(epoch+1),
			LearningRate: 0.01,
			Duration:     1.5,
		}))
	}

	metrics, err := GetEpochMetrics(ctx, db, id)
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.Equal(t, 0, metrics[0].Epoch)
	assert.Equal(t, 2, metrics[2].Epoch)
	assert.InDelta(t, 0.5, metrics[1].TrainLoss, 1e-12)
}

func TestRequeueStaleRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	running, queued := uuid.New(), uuid.New()
	require.NoError(t, CreateTrainingRun(ctx, db, running, "stale", ""))
	require.NoError(t, CreateTrainingRun(ctx, db, queued, "fresh", ""))
	require.NoError(t, UpdateTrainingRunStatus(ctx, db, running, RunRunning))

	n, err := RequeueStaleRuns(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	run, err := GetTrainingRun(ctx, db, running)
	require.NoError(t, err)
	assert.Equal(t, RunQueued, run.Status)
}

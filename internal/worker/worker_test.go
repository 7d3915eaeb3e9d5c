package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cinetrain/internal/clip"
	"cinetrain/internal/config"
	"cinetrain/internal/database"
	"cinetrain/internal/messaging"
	"cinetrain/internal/storage"
	"cinetrain/pkg/models"
)

func writeClipFile(t *testing.T, path string, frames int, value float32) {
	t.Helper()

	seq := make([]clip.Frame, frames)
	for i := range seq {
		f := clip.NewFrame(8, 8, 1)
		for p := range f.Pix {
			f.Pix[p] = value
		}
		seq[i] = f
	}
	spec, err := clip.NewClipSpec(seq, 10)
	require.NoError(t, err)

	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, clip.Encode(out, spec))
}

// writeDataset lays out a data folder with encoded clips and a targets CSV,
// returning the CSV path.
func writeDataset(t *testing.T, dir, name string, n int) string {
	t.Helper()

	csvPath := filepath.Join(dir, name+".csv")
	var rows string
	for i := 0; i < n; i++ {
		clipName := fmt.Sprintf("%s_%d.cvc", name, i)
		writeClipFile(t, filepath.Join(dir, clipName), 6, float32(40*i))
		rows += fmt.Sprintf("%s,%g\n", clipName, float64(i))
	}
	require.NoError(t, os.WriteFile(csvPath, []byte(rows), 0o644))
	return csvPath
}

func runConfigYAML(t *testing.T, dataDir, ckptDir string) string {
	t.Helper()

	trainCSV := writeDataset(t, dataDir, "train", 4)
	valCSV := writeDataset(t, dataDir, "val", 2)

	return fmt.Sprintf(`
optimizer:
  type: sgd
  learning_rate: 0.01
model:
  name: mean_pool_linear
  n_outputs: 1
data:
  train_targets: %s
  val_targets: %s
  data_folder: %s
data_loader:
  batch_size: 2
  n_workers: 2
  seed: 7
training:
  epochs: 2
  checkpointing_enabled: true
  checkpoint_save_path: %s
transforms:
  grayscale: true
  normalize_input: true
  pad_size: true
  target_length: 4
  target_height: 8
  target_width: 8
`, trainCSV, valCSV, dataDir, ckptDir)
}

func setupWorker(t *testing.T) (*Worker, *gorm.DB, *messaging.InMemoryQueue, *storage.LocalObjectStore) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Service{
		CheckpointBucket:  "checkpoints",
		WorkerConcurrency: 1,
	}
	return New(cfg, db, queue, store), db, queue, store
}

func submitRun(t *testing.T, db *gorm.DB, queue *messaging.InMemoryQueue, configYAML string) uuid.UUID {
	t.Helper()

	runID := uuid.New()
	require.NoError(t, database.CreateTrainingRun(context.Background(), db, runID, "test-run", configYAML))
	require.NoError(t, queue.PublishTrainTask(context.Background(), models.TrainTaskPayload{
		RunId:      runID,
		ConfigYAML: configYAML,
	}))
	return runID
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForRun(t *testing.T, db *gorm.DB, runID uuid.UUID) database.TrainingRun {
	t.Helper()

	var run database.TrainingRun
	require.Eventually(t, func() bool {
		got, err := database.GetTrainingRun(context.Background(), db, runID)
		if err != nil {
			return false
		}
		run = got
		return run.Status == database.RunCompleted || run.Status == database.RunFailed
	}, 30*time.Second, 20*time.Millisecond)
	return run
}

func TestWorkerExecutesRun(t *testing.T) {
	w, db, queue, store := setupWorker(t)
	configYAML := runConfigYAML(t, t.TempDir(), t.TempDir())

	runID := submitRun(t, db, queue, configYAML)
	startWorker(t, w)
	run := waitForRun(t, db, runID)

	require.Equal(t, database.RunCompleted, run.Status)
	assert.True(t, run.StartTime.Valid)
	assert.True(t, run.CompletionTime.Valid)
	assert.True(t, run.BestLoss.Valid)
	assert.False(t, run.Error.Valid)

	require.True(t, run.CheckpointPath.Valid)
	assert.Equal(t, fmt.Sprintf("checkpoints/%s", runID), run.CheckpointPath.String)

	epochMetrics, err := database.GetEpochMetrics(context.Background(), db, runID)
	require.NoError(t, err)
	require.Len(t, epochMetrics, 2)
	for i, m := range epochMetrics {
		assert.Equal(t, i, m.Epoch)
		assert.True(t, m.ValLoss.Valid)
		assert.Greater(t, m.LearningRate, 0.0)
	}

	// both checkpoint files were archived
	objects, err := store.ListObjects(context.Background(), "checkpoints", runID.String())
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}

func TestWorkerRecordsRunFailure(t *testing.T) {
	w, db, queue, _ := setupWorker(t)

	// valid document, but the targets file does not exist
	configYAML := fmt.Sprintf(`
optimizer:
  type: sgd
  learning_rate: 0.01
data:
  train_targets: %s
  data_folder: %s
training:
  epochs: 1
transforms:
  pad_size: true
  target_length: 4
  target_height: 8
  target_width: 8
`, filepath.Join(t.TempDir(), "missing.csv"), t.TempDir())

	runID := submitRun(t, db, queue, configYAML)
	startWorker(t, w)
	run := waitForRun(t, db, runID)

	require.Equal(t, database.RunFailed, run.Status)
	require.True(t, run.Error.Valid)
	assert.Contains(t, run.Error.String, "targets")
	assert.False(t, run.BestLoss.Valid)
}

func TestWorkerSkipsNonQueuedRun(t *testing.T) {
	w, db, queue, _ := setupWorker(t)
	configYAML := runConfigYAML(t, t.TempDir(), t.TempDir())

	runID := uuid.New()
	require.NoError(t, database.CreateTrainingRun(context.Background(), db, runID, "done-run", configYAML))
	require.NoError(t, database.UpdateTrainingRunStatus(context.Background(), db, runID, database.RunCompleted))
	require.NoError(t, queue.PublishTrainTask(context.Background(), models.TrainTaskPayload{
		RunId:      runID,
		ConfigYAML: configYAML,
	}))

	startWorker(t, w)

	// the task is acked without touching the run
	assert.Never(t, func() bool {
		run, err := database.GetTrainingRun(context.Background(), db, runID)
		if err != nil {
			return true
		}
		return run.Status != database.RunCompleted || run.BestLoss.Valid
	}, 500*time.Millisecond, 50*time.Millisecond)
}

func TestWorkerRequeuesInterruptedRun(t *testing.T) {
	w, db, queue, _ := setupWorker(t)
	configYAML := strings.Replace(runConfigYAML(t, t.TempDir(), t.TempDir()), "epochs: 2", "epochs: 100000", 1)

	runID := submitRun(t, db, queue, configYAML)
	task := <-queue.Tasks()

	// cancel as soon as the run leaves QUEUED, mid-training
	ctx, cancel := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			run, err := database.GetTrainingRun(context.Background(), db, runID)
			if err == nil && run.Status != database.RunQueued {
				cancel()
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	w.handleTask(ctx, task)
	cancel()
	<-pollerDone

	// the run went back to QUEUED without a recorded failure
	run, err := database.GetTrainingRun(context.Background(), db, runID)
	require.NoError(t, err)
	assert.Equal(t, database.RunQueued, run.Status)
	assert.False(t, run.Error.Valid)

	// and the task is back on the queue for redelivery
	select {
	case redelivered := <-queue.Tasks():
		var payload models.TrainTaskPayload
		require.NoError(t, json.Unmarshal(redelivered.Payload(), &payload))
		assert.Equal(t, runID, payload.RunId)
	default:
		t.Fatal("interrupted task was not redelivered")
	}
}

func TestRecoverStaleRuns(t *testing.T) {
	w, db, _, _ := setupWorker(t)
	ctx := context.Background()

	stale := uuid.New()
	require.NoError(t, database.CreateTrainingRun(ctx, db, stale, "stale-run", "epochs: 1"))
	require.NoError(t, database.UpdateTrainingRunStatus(ctx, db, stale, database.RunRunning))

	finished := uuid.New()
	require.NoError(t, database.CreateTrainingRun(ctx, db, finished, "finished-run", "epochs: 1"))
	require.NoError(t, database.UpdateTrainingRunStatus(ctx, db, finished, database.RunCompleted))

	require.NoError(t, w.RecoverStaleRuns(ctx))

	run, err := database.GetTrainingRun(ctx, db, stale)
	require.NoError(t, err)
	assert.Equal(t, database.RunQueued, run.Status)

	run, err = database.GetTrainingRun(ctx, db, finished)
	require.NoError(t, err)
	assert.Equal(t, database.RunCompleted, run.Status)
}

func TestWorkerResumesFromArchivedCheckpoint(t *testing.T) {
	w, db, queue, store := setupWorker(t)
	ckptDir := t.TempDir()
	configYAML := runConfigYAML(t, t.TempDir(), ckptDir)

	first := submitRun(t, db, queue, configYAML)
	startWorker(t, w)
	require.Equal(t, database.RunCompleted, waitForRun(t, db, first).Status)

	// wipe the local checkpoint dir, then resume purely from the archive
	require.NoError(t, os.RemoveAll(filepath.Join(ckptDir, first.String())))
	require.NoError(t, database.UpdateTrainingRunStatus(context.Background(), db, first, database.RunQueued))
	require.NoError(t, queue.PublishTrainTask(context.Background(), models.TrainTaskPayload{
		RunId:      first,
		ConfigYAML: configYAML,
		Resume:     true,
	}))
	require.Equal(t, database.RunCompleted, waitForRun(t, db, first).Status)

	// all epochs were already done, so no extra metrics were recorded
	epochMetrics, err := database.GetEpochMetrics(context.Background(), db, first)
	require.NoError(t, err)
	assert.Len(t, epochMetrics, 2)

	objects, err := store.ListObjects(context.Background(), "checkpoints", first.String())
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}

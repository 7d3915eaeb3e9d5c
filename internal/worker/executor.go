package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/google/uuid"

	"cinetrain/internal/checkpoint"
	"cinetrain/internal/clip"
	"cinetrain/internal/config"
	"cinetrain/internal/database"
	"cinetrain/internal/loader"
	"cinetrain/internal/metrics"
	"cinetrain/internal/tracking"
	"cinetrain/internal/train"
)

func (w *Worker) executeRun(ctx context.Context, run *database.TrainingRun, resume bool) error {
	runID := run.Id
	log := slog.With("run_id", runID)

	cfg, err := config.ParseRunConfig([]byte(run.ConfigYAML))
	if err != nil {
		return w.failRun(ctx, runID, err)
	}

	if err := database.UpdateTrainingRunStatus(ctx, w.db, runID, database.RunRunning); err != nil {
		return err
	}
	log.Info("training run started", "epochs", cfg.Training.Epochs, "world_size", cfg.Performance.WorldSize)

	ckptDir := filepath.Join(cfg.Training.CheckpointSavePath, runID.String())
	if resume && cfg.Training.CheckpointingEnabled && w.store != nil {
		if err := w.store.DownloadDir(ctx, w.cfg.CheckpointBucket, runID.String(), ckptDir, false); err != nil {
			log.Warn("no archived checkpoint to restore", "error", err)
		}
	}

	tracker := tracking.Multi{
		&epochRecorder{db: w.db, runID: runID},
		tracking.NewTracker(cfg.Logging.LoggingEnabled, w.cfg.TrackingURL),
	}
	ctrl, ckpts, err := BuildController(cfg, runID, ckptDir, tracker)
	if err != nil {
		return w.failRun(ctx, runID, err)
	}

	// A checkpoint under this run's directory always belongs to this run,
	// so an interrupted run picks up where it left off even when the
	// redelivered task never asked to resume.
	if ckpts != nil {
		if err := ctrl.Resume(); err != nil {
			return w.failRun(ctx, runID, fmt.Errorf("failed to restore checkpoint: %w", err))
		}
	}

	if err := ctrl.Run(ctx); err != nil {
		// A shutdown is not a failure: put the run back in the queue so a
		// redelivered task resumes it from the last checkpoint.
		if ctx.Err() != nil {
			if dberr := database.UpdateTrainingRunStatus(context.WithoutCancel(ctx), w.db, runID, database.RunQueued); dberr != nil {
				log.Error("failed to requeue interrupted run", "error", dberr)
			}
			return err
		}
		return w.failRun(ctx, runID, err)
	}

	checkpointPath := ""
	if ckpts != nil {
		checkpointPath = ckpts.Dir()
		if w.store != nil {
			if err := w.archiveCheckpoints(ctx, runID, ckpts.Dir()); err != nil {
				log.Error("failed to archive checkpoints", "error", err)
			} else {
				checkpointPath = fmt.Sprintf("%s/%s", w.cfg.CheckpointBucket, runID)
			}
		}
	}

	best := ctrl.State().BestLoss
	if err := database.SetTrainingRunResult(ctx, w.db, runID, best, checkpointPath); err != nil {
		return err
	}
	if err := database.UpdateTrainingRunStatus(ctx, w.db, runID, database.RunCompleted); err != nil {
		return err
	}
	metrics.RunsTotal.WithLabelValues("completed").Inc()
	log.Info("training run completed", "best_loss", best, "checkpoint_path", checkpointPath)
	return nil
}

func (w *Worker) failRun(ctx context.Context, runID uuid.UUID, runErr error) error {
	if err := database.SetTrainingRunError(context.WithoutCancel(ctx), w.db, runID, runErr); err != nil {
		slog.Error("failed to record run failure", "run_id", runID, "error", err)
	}
	metrics.RunsTotal.WithLabelValues("failed").Inc()
	return runErr
}

// BuildController assembles the full training stack for one run: transform
// pipelines, datasets, loaders, model replicas, optimizer and checkpoint
// store. Shared by the queue worker and the standalone train binary.
func BuildController(cfg *config.RunConfig, runID uuid.UUID, ckptDir string, tracker tracking.Tracker) (*train.Controller, *checkpoint.Store, error) {
	trainPipe, err := clip.NewPipeline(cfg.Transforms, cfg.Augmentations, clip.Train)
	if err != nil {
		return nil, nil, err
	}
	trainDS, err := loader.OpenFileDataset(cfg.Data.TrainTargets, cfg.Data.DataFolder)
	if err != nil {
		return nil, nil, err
	}
	trainSource := loader.New(trainDS, trainPipe, cfg.DataLoader, true)

	var valSource train.BatchSource
	if cfg.Data.ValTargets != "" {
		evalPipe, err := clip.NewPipeline(cfg.Transforms, cfg.Augmentations, clip.Eval)
		if err != nil {
			return nil, nil, err
		}
		valDS, err := loader.OpenFileDataset(cfg.Data.ValTargets, cfg.Data.DataFolder)
		if err != nil {
			return nil, nil, err
		}
		valSource = loader.New(valDS, evalPipe, cfg.DataLoader, false)
	}

	channels := trainPipe.OutputShape()[0]
	primary, err := newModel(cfg.Model, channels, cfg.DataLoader.Seed)
	if err != nil {
		return nil, nil, err
	}
	replicas := []train.Model{primary}
	for r := 1; r < cfg.Performance.WorldSize; r++ {
		replicas = append(replicas, primary.Clone())
	}

	opt, err := train.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return nil, nil, err
	}

	var ckpts *checkpoint.Store
	if cfg.Training.CheckpointingEnabled {
		ckpts, err = checkpoint.NewStore(ckptDir)
		if err != nil {
			return nil, nil, err
		}
	}

	ctrl, err := train.NewController(cfg, runID.String(), train.Deps{
		Models:      replicas,
		Criterion:   train.MSE{},
		Optimizer:   opt,
		TrainSource: trainSource,
		ValSource:   valSource,
		Checkpoints: ckpts,
		Tracker:     tracker,
	})
	if err != nil {
		return nil, nil, err
	}
	return ctrl, ckpts, nil
}

func newModel(cfg config.Model, channels int, seed int64) (*train.MeanPoolLinear, error) {
	if cfg.NOutputs != 1 {
		return nil, fmt.Errorf("model.n_outputs %d is not supported, regression heads are single-output", cfg.NOutputs)
	}
	switch cfg.Name {
	case "", "mean_pool_linear":
		return train.NewMeanPoolLinear(channels, seed), nil
	default:
		return nil, fmt.Errorf("unknown model %q", cfg.Name)
	}
}

func (w *Worker) archiveCheckpoints(ctx context.Context, runID uuid.UUID, dir string) error {
	if err := w.store.CreateBucket(ctx, w.cfg.CheckpointBucket); err != nil {
		return err
	}
	return w.store.UploadDir(ctx, w.cfg.CheckpointBucket, runID.String(), dir)
}

// epochRecorder persists epoch_completed events as EpochMetric rows.
type epochRecorder struct {
	db    *gorm.DB
	runID uuid.UUID
}

func (r *epochRecorder) Emit(ctx context.Context, ev tracking.Event) {
	if ev.Kind != tracking.EventEpochCompleted {
		return
	}
	metric := database.EpochMetric{
		RunId:        r.runID,
		Epoch:        ev.Epoch,
		TrainLoss:    ev.Fields["train_loss"],
		LearningRate: ev.Fields["lr"],
		Duration:     ev.Fields["duration_seconds"],
	}
	if valLoss, ok := ev.Fields["val_loss"]; ok {
		metric.ValLoss = sql.NullFloat64{Float64: valLoss, Valid: true}
	}
	if err := database.RecordEpochMetric(ctx, r.db, metric); err != nil {
		slog.Error("failed to record epoch metric", "run_id", r.runID, "epoch", ev.Epoch, "error", err)
	}
}

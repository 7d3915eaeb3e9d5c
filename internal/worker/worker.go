// Package worker consumes queued training tasks and executes the full
// training loop for each run, recording progress and results in the
// database and archiving checkpoints to the object store.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"cinetrain/internal/config"
	"cinetrain/internal/database"
	"cinetrain/internal/messaging"
	"cinetrain/internal/storage"
	"cinetrain/pkg/models"
)

// Worker pulls train tasks off the queue and runs them, at most
// Concurrency at a time. Store is optional; without it checkpoints stay on
// local disk only.
type Worker struct {
	cfg      *config.Service
	db       *gorm.DB
	receiver messaging.Receiver
	store    storage.ObjectStore

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(cfg *config.Service, db *gorm.DB, receiver messaging.Receiver, store storage.ObjectStore) *Worker {
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		cfg:      cfg,
		db:       db,
		receiver: receiver,
		store:    store,
		sem:      make(chan struct{}, concurrency),
	}
}

// RecoverStaleRuns moves runs orphaned in RUNNING back to QUEUED. Their
// queue messages were never acked, so the broker redelivers them; the
// status flip keeps the database consistent with that redelivery.
func (w *Worker) RecoverStaleRuns(ctx context.Context) error {
	n, err := database.RequeueStaleRuns(ctx, w.db)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("requeued stale training runs", "count", n)
	}
	return nil
}

// Start consumes tasks until the receiver's channel closes or ctx is
// cancelled, then waits for in-flight runs to finish.
func (w *Worker) Start(ctx context.Context) {
	tasks := w.receiver.Tasks()
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case task, ok := <-tasks:
			if !ok {
				w.wg.Wait()
				return
			}
			w.sem <- struct{}{}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.handleTask(ctx, task)
			}()
		}
	}
}

func (w *Worker) handleTask(ctx context.Context, task messaging.Task) {
	var payload models.TrainTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("discarding malformed train task", "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("failed to reject train task", "error", err)
		}
		return
	}

	log := slog.With("run_id", payload.RunId)

	run, err := database.GetTrainingRun(ctx, w.db, payload.RunId)
	if err != nil {
		if database.IsNotFound(err) {
			log.Error("train task references unknown run, discarding")
			if err := task.Reject(); err != nil {
				log.Error("failed to reject train task", "error", err)
			}
			return
		}
		log.Error("failed to load training run, requeueing task", "error", err)
		if err := task.Nack(); err != nil {
			log.Error("failed to nack train task", "error", err)
		}
		return
	}

	// Duplicate deliveries happen after broker reconnects. A run that is
	// already past QUEUED is someone else's work.
	if run.Status != database.RunQueued {
		log.Info("skipping train task, run is not queued", "status", run.Status)
		if err := task.Ack(); err != nil {
			log.Error("failed to ack train task", "error", err)
		}
		return
	}

	if err := w.executeRun(ctx, &run, payload.Resume); err != nil {
		if ctx.Err() != nil {
			// shutdown mid-run: leave the task for redelivery
			log.Info("training run interrupted, task requeued")
			if err := task.Nack(); err != nil {
				log.Error("failed to nack train task", "error", err)
			}
			return
		}
		// The failure is already recorded on the run; acking keeps a
		// deterministically failing config from looping forever.
		log.Error("training run failed", "error", err)
	}
	if err := task.Ack(); err != nil {
		log.Error("failed to ack train task", "error", err)
	}
}

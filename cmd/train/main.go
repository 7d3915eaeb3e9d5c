// The train binary runs a single training run locally from a config file,
// without the queue, database or object store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"cinetrain/cmd"
	"cinetrain/internal/config"
	"cinetrain/internal/tracking"
	"cinetrain/internal/worker"
)

func main() {
	var configPath, runIDFlag string
	var resume bool
	flag.StringVar(&configPath, "config", "", "path to the run config YAML (required)")
	flag.StringVar(&runIDFlag, "run-id", "", "reuse an existing run id, needed to resume a previous run")
	flag.BoolVar(&resume, "resume", false, "resume from the latest checkpoint if one exists")
	cmd.LoadEnvFile()

	if configPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadRunConfig(configPath)
	if err != nil {
		log.Fatalf("invalid run config: %v", err)
	}

	runID := uuid.New()
	if runIDFlag != "" {
		if runID, err = uuid.Parse(runIDFlag); err != nil {
			log.Fatalf("invalid -run-id: %v", err)
		}
	}
	ckptDir := filepath.Join(cfg.Training.CheckpointSavePath, runID.String())
	tracker := tracking.NewTracker(cfg.Logging.LoggingEnabled, os.Getenv("TRACKING_URL"))

	ctrl, ckpts, err := worker.BuildController(cfg, runID, ckptDir, tracker)
	if err != nil {
		log.Fatalf("failed to set up training run: %v", err)
	}

	if resume {
		if ckpts == nil {
			log.Fatalf("-resume requires training.checkpointing_enabled")
		}
		if err := ctrl.Resume(); err != nil {
			log.Fatalf("failed to restore checkpoint: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting training run %s (%d epochs)", runID, cfg.Training.Epochs)
	if err := ctrl.Run(ctx); err != nil {
		log.Fatalf("training run failed: %v", err)
	}
	log.Printf("training run %s completed, best loss %g", runID, ctrl.State().BestLoss)
}

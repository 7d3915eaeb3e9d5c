package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"cinetrain/cmd"
	"cinetrain/internal/config"
	"cinetrain/internal/database"
	"cinetrain/internal/messaging"
	"cinetrain/internal/metrics"
	"cinetrain/internal/worker"
)

func main() {
	log.Println("Starting worker process...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadService()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cmd.NewObjectStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer receiver.Close()

	metricsSrv := metrics.StartServer(cfg.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg, db, receiver, store)
	if err := w.RecoverStaleRuns(ctx); err != nil {
		log.Fatalf("Failed to recover stale runs: %v", err)
	}

	log.Printf("Worker started with concurrency %d. Waiting for tasks.", cfg.WorkerConcurrency)
	w.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}

	log.Println("Worker process stopped.")
}

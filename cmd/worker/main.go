package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"imagepipe/internal/logger"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/queue"
	"imagepipe/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	objects, err := objectstore.NewMinio(cfg.S3, lg.Named("objectstore"))
	if err != nil {
		lg.Fatal("failed to init object store", zap.Error(err))
	}
	bucketCtx, stop := context.WithTimeout(ctx, 10*time.Second)
	err = objects.EnsureBucket(bucketCtx)
	stop()
	if err != nil {
		lg.Fatal("object store unavailable", zap.Error(err))
	}

	topicsCtx, stop := context.WithTimeout(ctx, 10*time.Second)
	if err := queue.EnsureTopics(topicsCtx, cfg.Kafka.Brokers, cfg.Worker.Concurrency, cfg.Kafka.MaxBytes,
		cfg.Kafka.JobsTopic, cfg.Kafka.EventsTopic); err != nil {
		lg.Warn("ensure topics", zap.Error(err))
	}
	stop()

	outcomes := queue.NewOutcomePublisher(cfg.Kafka)
	defer outcomes.Close()

	pipeline := worker.NewPipeline(objects, cfg.Worker, lg.Named("pipeline"))
	consumers := func() queue.JobConsumer {
		return queue.NewJobConsumer(cfg.Kafka, lg.Named("consumer"))
	}
	pool := worker.NewPool(pipeline, consumers, outcomes, cfg.Worker, lg.Named("pool"))

	lg.Info("worker pool starting",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Ints("breakpoints", cfg.Worker.Breakpoints))
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Fatal("worker pool stopped", zap.Error(err))
	}
	lg.Info("worker pool stopped")
}

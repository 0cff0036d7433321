package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"imagepipe/internal/ingest"
	"imagepipe/internal/logger"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/queue"
	"imagepipe/internal/server"
	"imagepipe/internal/storage"
	"imagepipe/internal/tracker"
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

	store, err := storage.Open(ctx, cfg.Database, cfg.IsProduction(), lg.Named("storage"))
	if err != nil {
		lg.Fatal("failed to init storage", zap.Error(err))
	}
	defer store.Close()

	objects, jobs, degraded := connectPipeline(ctx, cfg, lg)
	if jobs != nil {
		defer jobs.Close()
	}
	if len(degraded) > 0 {
		lg.Warn("running in blob mode", zap.Strings("degraded", degraded))
	}

	tr := tracker.New(store, lg.Named("tracker"))

	if jobs != nil {
		outcomes := queue.NewOutcomeConsumer(cfg.Kafka, lg.Named("outcomes"))
		defer outcomes.Close()
		applier := tracker.NewApplier(tr, cfg.Upload.TempDir, lg.Named("applier"))
		go func() {
			if err := applier.Run(ctx, outcomes); err != nil && ctx.Err() == nil {
				lg.Error("outcome consumer stopped", zap.Error(err))
			}
		}()
	}

	sweeper := tracker.NewSweeper(store, tr, jobs, tracker.SweeperConfig{
		TempDir:       cfg.Upload.TempDir,
		StallTimeout:  cfg.Worker.StallTimeout,
		MaxRequeues:   cfg.Worker.MaxRequeues,
		InlinePayload: cfg.Upload.InlinePayload,
	}, lg.Named("sweeper"))
	sweeps, err := sweeper.Start(cfg.Worker.StallSweep)
	if err != nil {
		lg.Fatal("failed to schedule stall sweep", zap.Error(err))
	}
	defer sweeps.Stop()

	deps := server.Deps{
		Config:   cfg,
		Store:    store,
		Objects:  objects,
		Ingest:   ingest.New(store, tr, jobs, cfg.Upload, lg.Named("ingest")),
		Tracker:  tr,
		Redis:    connectRedis(ctx, cfg.Redis, lg),
		Degraded: degraded,
		Log:      lg.Named("http"),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		deps.QueuePing = func(ctx context.Context) error { return queue.Ping(ctx, cfg.Kafka.Brokers) }
	}
	if deps.Redis != nil {
		defer deps.Redis.Close()
	}
	srv := server.NewServer(deps)

	go func() {
		if err := srv.Start(); err != nil {
			lg.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		lg.Error("server shutdown", zap.Error(err))
	}
}

// connectPipeline checks the object store and the queue. Without both the
// gateway ingests in blob mode; a reachable object store is still used for
// serving variants rendered earlier.
func connectPipeline(ctx context.Context, cfg *models.Config, lg *zap.Logger) (objectstore.Store, queue.JobProducer, []string) {
	if cfg.Upload.DirectPersistence {
		return nil, nil, []string{"direct persistence configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		objects  objectstore.Store
		degraded []string
	)
	mc, err := objectstore.NewMinio(cfg.S3, lg.Named("objectstore"))
	if err == nil {
		err = mc.EnsureBucket(ctx)
	}
	if err != nil {
		lg.Warn("object store unavailable", zap.Error(err))
		degraded = append(degraded, "object_store")
	} else {
		objects = mc
	}

	err = queue.Ping(ctx, cfg.Kafka.Brokers)
	if err == nil {
		err = queue.EnsureTopics(ctx, cfg.Kafka.Brokers, cfg.Worker.Concurrency, cfg.Kafka.MaxBytes,
			cfg.Kafka.JobsTopic, cfg.Kafka.EventsTopic)
	}
	if err != nil {
		lg.Warn("queue unavailable", zap.Error(err))
		degraded = append(degraded, "queue")
	}

	if len(degraded) > 0 {
		return objects, nil, degraded
	}
	return objects, queue.NewJobProducer(cfg.Kafka), nil
}

func connectRedis(ctx context.Context, cfg models.RedisConfig, lg *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		lg.Warn("redis unavailable, upload rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	return client
}

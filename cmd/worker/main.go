package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cyber-range/engine/internal/app"
	"github.com/cyber-range/engine/internal/queue"
	"github.com/cyber-range/engine/internal/queue/tasks"
	"github.com/cyber-range/engine/pkg/config"
	"github.com/cyber-range/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.QueueBackend != "asynq" {
		log.Fatal("worker requires QUEUE_BACKEND=asynq", zap.String("queue_backend", cfg.QueueBackend))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	_ = rdb.Close()

	// Initialize DB, provisioner and task handlers
	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize engine", zap.Error(err))
	}

	srv := asynq.NewServer(
		queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword),
		asynq.Config{
			Concurrency:     cfg.WorkerConcurrency,
			Queues:          map[string]int{queue.DefaultQueue: 1},
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          log.Sugar(),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeDeploy, a.Tasks.HandleProvision)
	mux.HandleFunc(tasks.TypeDestroy, a.Tasks.HandleDestroy)

	errCh := make(chan error, 1)
	go func() {
		log.Info("asynq worker starting", zap.Int("concurrency", cfg.WorkerConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	// A worker killed mid-task leaves an archived task and an unsettled record.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.RecoverOnStart {
		go a.RunRecovery(sweepCtx, cfg.RecoverInterval, app.SweepOptions(cfg))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	stopSweep()
	// Allow in-flight tasks to finish gracefully
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown error", zap.Error(err))
	}
}

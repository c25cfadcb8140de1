package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyber-range/engine/internal/app"
	"github.com/cyber-range/engine/internal/services"
	"github.com/cyber-range/engine/pkg/config"
	"github.com/cyber-range/engine/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("Starting cyber range engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("provisioner", cfg.ProvisionerMode),
		zap.String("queue", cfg.QueueBackend),
	)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize engine", zap.Error(err))
	}
	log.Info("Database connected successfully", zap.String("driver", cfg.DatabaseDriver))

	// Queued tasks of the in-process pool do not survive a restart.
	if cfg.QueueBackend == "local" && cfg.RecoverOnStart {
		if _, err := a.Service.Recover(ctx, services.RecoverOptions{}); err != nil {
			log.Error("deployment recovery failed", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	// Running tasks settle their records before the database closes.
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}

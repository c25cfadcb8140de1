package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cyber-range/engine/internal/repository"
	"github.com/cyber-range/engine/pkg/config"
	"github.com/cyber-range/engine/pkg/database"
	"github.com/cyber-range/engine/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := database.Open(context.Background(), cfg.DatabaseDriver, cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	if err := repository.Migrate(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}

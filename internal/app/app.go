// Package app assembles the engine's components from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cyber-range/engine/internal/api"
	"github.com/cyber-range/engine/internal/api/handlers"
	"github.com/cyber-range/engine/internal/provisioner"
	"github.com/cyber-range/engine/internal/provisioner/mock"
	"github.com/cyber-range/engine/internal/provisioner/workspace"
	"github.com/cyber-range/engine/internal/queue"
	"github.com/cyber-range/engine/internal/queue/tasks"
	"github.com/cyber-range/engine/internal/repository"
	"github.com/cyber-range/engine/internal/scenario"
	"github.com/cyber-range/engine/internal/services"
	"github.com/cyber-range/engine/pkg/config"
	"github.com/cyber-range/engine/pkg/database"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/cyber-range/engine/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the fully wired engine.
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Deployments repository.DeploymentRepository
	Scenarios   *scenario.Loader
	Provisioner provisioner.Provisioner
	// Workspaces is nil in mock mode.
	Workspaces *workspace.Manager
	Metrics    *metrics.Metrics
	Tasks      *tasks.ProvisionTaskHandler
	Dispatcher queue.Dispatcher
	Service    services.DeploymentService
}

// Build opens the database, migrates it and wires every component.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a, err := assemble(cfg, db)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return a, nil
}

func assemble(cfg *config.Config, db *gorm.DB) (*App, error) {
	a := &App{
		Config:      cfg,
		DB:          db,
		Deployments: repository.NewDeploymentRepository(db),
		Scenarios:   scenario.NewLoader(cfg.ScenariosDir),
	}
	if cfg.MetricsEnabled {
		a.Metrics = metrics.New()
	}

	if cfg.MockMode() {
		logger.L().Warn("mock provisioner enabled, no infrastructure will be created", zap.Duration("delay", cfg.MockDelay))
		a.Provisioner = mock.New(cfg.MockDelay)
	} else {
		if err := prepareDirs(cfg); err != nil {
			return nil, err
		}
		a.Workspaces = workspace.NewManager(cfg.RunsDir, cfg.TemplateDir)
		a.Provisioner = provisioner.NewTerraformProvisioner(
			a.Workspaces,
			provisioner.NewToolFactory(cfg.ToolBinary, cfg.PluginCacheDir),
			SettingsFromConfig(cfg),
			a.Metrics,
		)
	}

	a.Tasks = tasks.NewProvisionTaskHandler(a.Provisioner, a.Deployments, a.Scenarios, provisioner.CredentialsFromConfig(cfg), a.Metrics)

	switch cfg.QueueBackend {
	case "asynq":
		redisOpt := queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword)
		a.Dispatcher = queue.NewAsynqDispatcher(asynq.NewClient(redisOpt), asynq.NewInspector(redisOpt),
			queue.AsynqOptions{Timeout: TaskTimeout(cfg)})
	default:
		a.Dispatcher = queue.NewLocalDispatcher(a.Tasks, cfg.WorkerConcurrency, cfg.QueueSize, a.Metrics)
	}

	a.Service = services.NewDeploymentService(a.Deployments, a.Scenarios, a.Dispatcher)
	return a, nil
}

func prepareDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.RunsDir, cfg.PluginCacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SettingsFromConfig maps tool timeouts and retry settings.
func SettingsFromConfig(cfg *config.Config) provisioner.Settings {
	return provisioner.Settings{
		InitAttempts:   cfg.InitAttempts,
		InitBackoff:    cfg.InitBackoff,
		InitTimeout:    cfg.InitTimeout,
		ApplyTimeout:   cfg.ApplyTimeout,
		DestroyTimeout: cfg.DestroyTimeout,
		OutputTimeout:  cfg.OutputTimeout,
		TailLines:      cfg.ErrorTailLines,
		StreamOutput:   cfg.StreamToolOutput,
	}
}

// TaskTimeout is the longest a single task may legitimately run: every init
// attempt and its backoff, then apply and output, or a destroy that re-inits.
func TaskTimeout(cfg *config.Config) time.Duration {
	initTotal := time.Duration(cfg.InitAttempts)*cfg.InitTimeout + time.Duration(cfg.InitAttempts-1)*cfg.InitBackoff
	work := max(cfg.ApplyTimeout+cfg.OutputTimeout, cfg.DestroyTimeout)
	return initTotal + work + time.Minute
}

// SweepOptions are the recovery options for a running asynq deployment: a
// record is orphaned once no task is tracked for it, or once it has been idle
// longer than any task may run.
func SweepOptions(cfg *config.Config) services.RecoverOptions {
	return services.RecoverOptions{MinIdle: time.Minute, StaleAfter: TaskTimeout(cfg)}
}

// RunRecovery calls Recover now and then every interval until ctx ends. A
// non-positive interval runs it once.
func (a *App) RunRecovery(ctx context.Context, interval time.Duration, opts services.RecoverOptions) {
	sweep := func() {
		if _, err := a.Service.Recover(ctx, opts); err != nil && ctx.Err() == nil {
			logger.L().Error("deployment recovery failed", zap.Error(err))
		}
	}
	sweep()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// Router builds the HTTP handler.
func (a *App) Router() http.Handler {
	return api.NewRouter(api.Dependencies{
		DeploymentsHandler: handlers.NewDeploymentsHandler(a.Service, validator.New(validator.WithRequiredStructEnabled())),
		HealthHandler:      handlers.NewHealthHandler(func(ctx context.Context) error { return database.Ping(ctx, a.DB) }),
		Metrics:            a.Metrics,
		RateLimitRPS:       a.Config.RateLimitRPS,
		RateLimitBurst:     a.Config.RateLimitBurst,
	})
}

// Shutdown drains the dispatcher, then closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	if a.DB != nil {
		if err := database.Close(a.DB); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

package services

import (
	"context"
	"strings"
	"time"

	"github.com/cyber-range/engine/internal/models"
	"github.com/cyber-range/engine/internal/provisioner"
	"github.com/cyber-range/engine/internal/queue"
	"github.com/cyber-range/engine/internal/queue/tasks"
	"github.com/cyber-range/engine/internal/repository"
	"github.com/cyber-range/engine/internal/scenario"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const interruptedError = "interrupted by restart"

// DeploymentService is the API-facing side of the deployment lifecycle. It
// validates requests, records them and hands the work to the dispatcher.
type DeploymentService interface {
	CreateDeployment(ctx context.Context, input *CreateDeploymentInput) (*models.Deployment, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	ListDeployments(ctx context.Context) ([]models.Deployment, error)
	DestroyDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	ListScenarios(ctx context.Context) ([]string, error)

	// Recover settles records left mid-flight by a crashed process.
	Recover(ctx context.Context, opts RecoverOptions) (*RecoveryReport, error)
}

type CreateDeploymentInput struct {
	Scenario  string
	Name      string
	Variables map[string]string
}

// RecoverOptions narrow which unsettled records count as interrupted. The
// zero value suits a process start with the in-process dispatcher.
type RecoverOptions struct {
	// MinIdle skips records updated more recently than this, so a request
	// between its insert and its enqueue is left alone.
	MinIdle time.Duration
	// StaleAfter recovers a record idle this long even if the dispatcher still
	// reports a task for it. Zero trusts the dispatcher.
	StaleAfter time.Duration
}

type RecoveryReport struct {
	Interrupted []uuid.UUID
	Resumed     []uuid.UUID
}

// ScenarioCatalog is the subset of the scenario loader the service needs.
type ScenarioCatalog interface {
	Load(name string) (*scenario.Definition, error)
	List() ([]string, error)
}

type deploymentService struct {
	deployRepo repository.DeploymentRepository
	scenarios  ScenarioCatalog
	dispatcher queue.Dispatcher
}

func NewDeploymentService(deployRepo repository.DeploymentRepository, scenarios ScenarioCatalog, dispatcher queue.Dispatcher) DeploymentService {
	return &deploymentService{deployRepo: deployRepo, scenarios: scenarios, dispatcher: dispatcher}
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) CreateDeployment(ctx context.Context, input *CreateDeploymentInput) (*models.Deployment, error) {
	name := strings.TrimSuffix(strings.TrimSpace(input.Scenario), ".yaml")
	logger.L().Info("create deployment", zap.String("scenario", name), zap.String("name", input.Name))

	if _, err := s.scenarios.Load(name); err != nil {
		return nil, err
	}
	if err := provisioner.ValidateOverrides(input.Variables); err != nil {
		return nil, err
	}

	label := strings.TrimSpace(input.Name)
	if label == "" {
		label = name
	}
	d := &models.Deployment{
		ID:           uuid.New(),
		FriendlyName: label,
		Scenario:     name,
	}
	if err := s.deployRepo.Create(ctx, d); err != nil {
		return nil, err
	}

	err := s.dispatcher.EnqueueDeploy(ctx, tasks.DeployPayload{
		DeploymentID: d.ID,
		Scenario:     name,
		Variables:    input.Variables,
	})
	if err != nil {
		logger.L().Error("enqueue provision task failed", zap.Error(err), zap.String("deployment_id", d.ID.String()))
		if _, uerr := s.deployRepo.Update(ctx, d.ID, models.DeploymentUpdate{
			Status: models.WithStatus(models.StatusFailed),
			Error:  models.WithError("enqueue failed: " + appErr.MessageOf(err)),
		}); uerr != nil {
			logger.L().Error("marking deployment failed after enqueue error", zap.Error(uerr), zap.String("deployment_id", d.ID.String()))
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "enqueue provision task failed")
	}

	logger.L().Info("deployment created and enqueued", zap.String("deployment_id", d.ID.String()))
	return d, nil
}

func (s *deploymentService) GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	var d models.Deployment
	if err := s.deployRepo.GetByID(ctx, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deploymentService) ListDeployments(ctx context.Context) ([]models.Deployment, error) {
	return s.deployRepo.List(ctx)
}

func (s *deploymentService) ListScenarios(context.Context) ([]string, error) {
	names, err := s.scenarios.List()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list scenarios failed")
	}
	return names, nil
}

// DestroyDeployment accepts a teardown request. A deployment still being
// provisioned is rejected; one already being destroyed is accepted as is;
// terminal records are purged.
func (s *deploymentService) DestroyDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	d, err := s.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	log := logger.ForDeployment(id.String())

	switch d.Status {
	case models.StatusPending, models.StatusDeploying:
		return nil, appErr.Newf(appErr.CodeConflict, "deployment %s is still %s", id, d.Status).
			WithMeta("status", string(d.Status))

	case models.StatusDestroying:
		log.Info("destroy already in progress")
		return d, nil
	}

	if err := s.dispatcher.EnqueueDestroy(ctx, tasks.DestroyPayload{DeploymentID: id}); err != nil {
		log.Error("enqueue destroy task failed", zap.Error(err))
		if appErr.IsCode(err, appErr.CodeConflict) {
			return nil, err
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "enqueue destroy task failed")
	}

	if d.Status == models.StatusActive {
		// The task makes the same move when it starts; whichever runs first wins.
		updated, err := s.deployRepo.Update(ctx, id, models.DeploymentUpdate{Status: models.WithStatus(models.StatusDestroying)})
		switch {
		case err == nil:
			d = updated
		case appErr.IsCode(err, appErr.CodeConflict), appErr.IsCode(err, appErr.CodeNotFound):
			log.Debug("destroy task already advanced the record", zap.Error(err))
		default:
			log.Warn("marking deployment destroying failed", zap.Error(err))
		}
	}

	log.Info("destroy enqueued", zap.String("status", string(d.Status)))
	return d, nil
}

// Recover fails records interrupted while provisioning and cleans up after
// them, then resumes interrupted destroys. Records whose task the dispatcher
// still tracks are skipped. It is safe to run repeatedly and from several
// processes; the status transitions and the per-id task lock absorb overlap.
func (s *deploymentService) Recover(ctx context.Context, opts RecoverOptions) (*RecoveryReport, error) {
	stuck, err := s.deployRepo.ListByStatus(ctx, models.StatusPending, models.StatusDeploying, models.StatusDestroying)
	if err != nil {
		return nil, err
	}
	tracked, err := s.trackedTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	report := &RecoveryReport{Interrupted: []uuid.UUID{}, Resumed: []uuid.UUID{}}
	for _, d := range stuck {
		log := logger.ForDeployment(d.ID.String()).With(zap.String("status", string(d.Status)))

		idle := now.Sub(d.UpdatedAt)
		if idle < opts.MinIdle {
			continue
		}
		if tracked[d.ID] && (opts.StaleAfter <= 0 || idle < opts.StaleAfter) {
			log.Debug("task still tracked, skipping recovery")
			continue
		}

		if d.Status == models.StatusDestroying {
			if err := s.dispatcher.EnqueueDestroy(ctx, tasks.DestroyPayload{DeploymentID: d.ID}); err != nil {
				log.Error("re-enqueue destroy failed", zap.Error(err))
				continue
			}
			report.Resumed = append(report.Resumed, d.ID)
			continue
		}

		if _, err := s.deployRepo.Update(ctx, d.ID, models.DeploymentUpdate{
			Status: models.WithStatus(models.StatusFailed),
			Error:  models.WithError(interruptedError),
		}); err != nil {
			log.Error("failing interrupted deployment failed", zap.Error(err))
			continue
		}
		report.Interrupted = append(report.Interrupted, d.ID)

		if err := s.dispatcher.EnqueueDestroy(ctx, tasks.DestroyPayload{DeploymentID: d.ID, KeepRecord: true}); err != nil {
			log.Error("enqueue cleanup for interrupted deployment failed", zap.Error(err))
		}
	}

	if len(report.Interrupted)+len(report.Resumed) > 0 {
		logger.L().Info("deployment recovery finished",
			zap.Int("interrupted", len(report.Interrupted)), zap.Int("resumed", len(report.Resumed)))
	}
	return report, nil
}

func (s *deploymentService) trackedTasks(ctx context.Context) (map[uuid.UUID]bool, error) {
	t, ok := s.dispatcher.(queue.Tracker)
	if !ok {
		return map[uuid.UUID]bool{}, nil
	}
	tracked, err := t.Tracked(ctx)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "list queued tasks failed")
	}
	return tracked, nil
}

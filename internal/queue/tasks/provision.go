package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cyber-range/engine/internal/models"
	"github.com/cyber-range/engine/internal/provisioner"
	"github.com/cyber-range/engine/internal/repository"
	"github.com/cyber-range/engine/internal/scenario"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/cyber-range/engine/pkg/metrics"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	settleTimeout = 30 * time.Second

	interruptedDetail = "deployment did not complete"
)

// ScenarioSource resolves scenario names.
type ScenarioSource interface {
	Load(name string) (*scenario.Definition, error)
}

// ProvisionTaskHandler runs deploy and destroy tasks. Every exit path leaves
// the record in a settled status, including panics and cancellation.
type ProvisionTaskHandler struct {
	provisioner provisioner.Provisioner
	deployRepo  repository.DeploymentRepository
	scenarios   ScenarioSource
	creds       provisioner.Credentials
	metrics     *metrics.Metrics
}

func NewProvisionTaskHandler(prov provisioner.Provisioner, deployRepo repository.DeploymentRepository, scenarios ScenarioSource, creds provisioner.Credentials, m *metrics.Metrics) *ProvisionTaskHandler {
	return &ProvisionTaskHandler{provisioner: prov, deployRepo: deployRepo, scenarios: scenarios, creds: creds, metrics: m}
}

func (h *ProvisionTaskHandler) HandleProvision(ctx context.Context, t *asynq.Task) error {
	var p DeployPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid provision task payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	return queueResult(p.DeploymentID, TypeDeploy, h.RunDeploy(ctx, p))
}

func (h *ProvisionTaskHandler) HandleDestroy(ctx context.Context, t *asynq.Task) error {
	var p DestroyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid destroy task payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	return queueResult(p.DeploymentID, TypeDestroy, h.RunDestroy(ctx, p))
}

// recordedError is a task failure whose outcome is already on the record.
type recordedError struct{ err error }

func (e *recordedError) Error() string { return e.err.Error() }
func (e *recordedError) Unwrap() error { return e.err }

func recorded(err error) error {
	if err == nil {
		return nil
	}
	return &recordedError{err: err}
}

// OutcomeRecorded reports whether err came from a task that had already
// written its failure to the deployment record.
func OutcomeRecorded(err error) bool {
	var r *recordedError
	return errors.As(err, &r)
}

// queueResult decides what asynq sees. A failure already stored on the record,
// or a task refused because of the record's status, completes the task so its
// uniqueness lock is released. Anything else is an infrastructure fault and
// the task is archived.
func queueResult(id uuid.UUID, taskType string, err error) error {
	if err == nil {
		return nil
	}
	if OutcomeRecorded(err) || appErr.IsCode(err, appErr.CodeConflict) {
		logger.ForDeployment(id.String()).Info("task failed, nothing left to retry",
			zap.String("task_type", taskType), zap.Error(err))
		return nil
	}
	return err
}

// RunDeploy moves a pending deployment through deploying to active or failed.
func (h *ProvisionTaskHandler) RunDeploy(ctx context.Context, p DeployPayload) (err error) {
	id := p.DeploymentID
	log := logger.ForDeployment(id.String())
	log.Info("handling provision task", zap.String("scenario", p.Scenario))

	h.metrics.TaskStarted()
	defer h.metrics.TaskDone()

	settled := false
	defer func() {
		outcome := metrics.OutcomeSuccess
		if r := recover(); r != nil {
			log.Error("provision task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = appErr.Newf(appErr.CodeInternal, "provision task panicked: %v", r)
			outcome = metrics.OutcomePanic
		}
		if !settled {
			if outcome == metrics.OutcomeSuccess {
				outcome = metrics.OutcomeFailure
			}
			detail := provisioner.Detail(err)
			if detail == "" {
				detail = interruptedDetail
			}
			if h.settle(ctx, log, id, models.StatusFailed, detail) {
				err = recorded(err)
			}
		}
		h.metrics.TaskFinished("deploy", outcome)
	}()

	if _, err := h.deployRepo.Update(ctx, id, models.DeploymentUpdate{Status: models.WithStatus(models.StatusDeploying)}); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) || appErr.IsCode(err, appErr.CodeConflict) {
			// Record is gone or was settled by someone else; nothing to provision.
			log.Warn("skipping provision task", zap.Error(err))
			settled = true
			return nil
		}
		return err
	}

	def, err := h.scenarios.Load(p.Scenario)
	if err != nil {
		log.Error("load scenario failed", zap.Error(err))
		return err
	}
	vars := provisioner.BuildVariables(h.creds, id, scenario.ExtractVariables(def), p.Variables)

	res, err := h.provisioner.Apply(ctx, id, vars)
	if err != nil {
		log.Error("provision apply failed", zap.Error(err))
		return err
	}

	outputs := map[string]any{}
	if res != nil && res.Outputs != nil {
		outputs = res.Outputs
	}
	if _, err := h.deployRepo.Update(ctx, id, models.DeploymentUpdate{
		Status:  models.WithStatus(models.StatusActive),
		Outputs: outputs,
	}); err != nil {
		log.Error("recording active status failed", zap.Error(err))
		return err
	}

	settled = true
	log.Info("deployment active", zap.Int("outputs", len(outputs)))
	return nil
}

// RunDestroy tears down a deployment. Active records move through destroying
// to destroyed or error_destroying; terminal records are cleaned up and then
// purged unless p.KeepRecord is set.
func (h *ProvisionTaskHandler) RunDestroy(ctx context.Context, p DestroyPayload) (err error) {
	id := p.DeploymentID
	log := logger.ForDeployment(id.String())
	log.Info("handling destroy task", zap.Bool("keep_record", p.KeepRecord))

	h.metrics.TaskStarted()
	defer h.metrics.TaskDone()

	// pendingSettle is set while the record sits in destroying.
	pendingSettle := false
	defer func() {
		outcome := metrics.OutcomeSuccess
		if r := recover(); r != nil {
			log.Error("destroy task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = appErr.Newf(appErr.CodeInternal, "destroy task panicked: %v", r)
			outcome = metrics.OutcomePanic
		} else if err != nil {
			outcome = metrics.OutcomeFailure
		}
		if pendingSettle {
			detail := provisioner.Detail(err)
			if detail == "" {
				detail = interruptedDetail
			}
			if h.settle(ctx, log, id, models.StatusErrorDestroying, detail) {
				err = recorded(err)
			}
		}
		h.metrics.TaskFinished("destroy", outcome)
	}()

	var d models.Deployment
	if err := h.deployRepo.GetByID(ctx, id, &d); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			log.Info("deployment already removed")
			return nil
		}
		return err
	}
	vars := h.destroyVariables(log, id, d.Scenario)

	switch {
	case d.Status.Terminal():
		return h.purge(ctx, log, &d, vars, p.KeepRecord)

	case d.Status == models.StatusActive:
		if _, err := h.deployRepo.Update(ctx, id, models.DeploymentUpdate{Status: models.WithStatus(models.StatusDestroying)}); err != nil {
			return err
		}

	case d.Status == models.StatusDestroying:

	default:
		return appErr.Newf(appErr.CodeConflict, "deployment %s is %s", id, d.Status)
	}

	pendingSettle = true
	if derr := h.provisioner.Destroy(ctx, id, vars); derr != nil {
		log.Error("destroy failed", zap.Error(derr))
		return derr
	}

	if _, err := h.deployRepo.Update(ctx, id, models.DeploymentUpdate{Status: models.WithStatus(models.StatusDestroyed)}); err != nil {
		return err
	}
	pendingSettle = false
	log.Info("deployment destroyed")
	return nil
}

func (h *ProvisionTaskHandler) purge(ctx context.Context, log *zap.Logger, d *models.Deployment, vars map[string]string, keep bool) error {
	derr := h.provisioner.Destroy(ctx, d.ID, vars)
	if derr != nil {
		log.Warn("cleanup of terminal deployment failed", zap.String("status", string(d.Status)), zap.Error(derr))
	}

	if keep {
		if derr != nil {
			_, err := h.deployRepo.Update(ctx, d.ID, models.DeploymentUpdate{Error: models.WithError(provisioner.Detail(derr))})
			if err != nil {
				return err
			}
		}
		return recorded(derr)
	}

	if err := h.deployRepo.Delete(ctx, d.ID); err != nil && !appErr.IsCode(err, appErr.CodeNotFound) {
		return err
	}
	log.Info("deployment record removed", zap.String("status", string(d.Status)))
	return recorded(derr)
}

// destroyVariables rebuilds the variable set used at apply time. Overrides are
// not stored; the generated tfvars file in the workspace still carries them.
func (h *ProvisionTaskHandler) destroyVariables(log *zap.Logger, id uuid.UUID, scenarioName string) map[string]string {
	var scenarioVars map[string]string
	if def, err := h.scenarios.Load(scenarioName); err == nil {
		scenarioVars = scenario.ExtractVariables(def)
	} else {
		log.Warn("scenario unavailable for destroy", zap.String("scenario", scenarioName), zap.Error(err))
	}
	return provisioner.BuildVariables(h.creds, id, scenarioVars, nil)
}

// settle records a final status even if ctx has been cancelled. It reports
// whether the record was written.
func (h *ProvisionTaskHandler) settle(ctx context.Context, log *zap.Logger, id uuid.UUID, status models.Status, detail string) bool {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if _, err := h.deployRepo.Update(sctx, id, models.DeploymentUpdate{
		Status: models.WithStatus(status),
		Error:  models.WithError(detail),
	}); err != nil {
		log.Error("settling deployment failed", zap.String("status", string(status)), zap.Error(err))
		return false
	}
	log.Warn("deployment settled", zap.String("status", string(status)))
	return true
}

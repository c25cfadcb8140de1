package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cyber-range/engine/internal/queue/tasks"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	DefaultQueue = "deployments"

	inspectPageSize = 100
)

// AsynqOptions tune tasks sent through Redis.
type AsynqOptions struct {
	Queue string
	// Timeout bounds a single task run. It also bounds the uniqueness lock.
	Timeout time.Duration
}

// AsynqDispatcher enqueues tasks for cmd/worker through Redis. The inspector
// is optional; without it Tracked fails and archived locks are not released.
type AsynqDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      AsynqOptions
}

func NewAsynqDispatcher(client *asynq.Client, inspector *asynq.Inspector, opts AsynqOptions) *AsynqDispatcher {
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	return &AsynqDispatcher{client: client, inspector: inspector, opts: opts}
}

// RedisOpt builds the asynq connection options shared by client and server.
func RedisOpt(addr, password string) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: 0}
}

func (d *AsynqDispatcher) EnqueueDeploy(ctx context.Context, p tasks.DeployPayload) error {
	task, err := tasks.NewDeployTask(p, d.taskOptions()...)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "build deploy task failed")
	}
	return d.enqueue(ctx, task, p.DeploymentID)
}

func (d *AsynqDispatcher) EnqueueDestroy(ctx context.Context, p tasks.DestroyPayload) error {
	task, err := tasks.NewDestroyTask(p, d.taskOptions()...)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "build destroy task failed")
	}
	return d.enqueue(ctx, task, p.DeploymentID)
}

// taskOptions runs every task at most once.
func (d *AsynqDispatcher) taskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(d.opts.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(d.opts.Timeout),
		asynq.Unique(d.opts.Timeout),
	}
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, task *asynq.Task, id uuid.UUID) error {
	log := logger.ForDeployment(id.String())

	info, err := d.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		// An archived task keeps its uniqueness lock until the TTL runs out.
		released, rerr := d.releaseArchived(ctx, id)
		if rerr != nil {
			log.Warn("releasing archived tasks failed", zap.Error(rerr))
		}
		if released > 0 {
			info, err = d.client.EnqueueContext(ctx, task)
		}
	}
	if err != nil {
		return enqueueError(err, id.String())
	}
	log.Info("task enqueued",
		zap.String("task_type", task.Type()), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}

func enqueueError(err error, id string) error {
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		return appErr.Wrap(err, appErr.CodeConflict, "deployment "+id+" already has a task in progress")
	}
	return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue task failed")
}

// releaseArchived deletes archived tasks for id, which drops their locks.
func (d *AsynqDispatcher) releaseArchived(ctx context.Context, id uuid.UUID) (int, error) {
	if d.inspector == nil {
		return 0, nil
	}
	archived, err := d.list(ctx, d.inspector.ListArchivedTasks)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, info := range archived {
		if owner, err := tasks.DeploymentIDOf(info.Payload); err != nil || owner != id {
			continue
		}
		if err := d.inspector.DeleteTask(d.opts.Queue, info.ID); err != nil {
			return released, err
		}
		logger.ForDeployment(id.String()).Info("archived task released",
			zap.String("task_type", info.Type), zap.String("task_id", info.ID), zap.String("last_err", info.LastErr))
		released++
	}
	return released, nil
}

// Tracked lists deployments with a pending, scheduled, retrying or active task.
func (d *AsynqDispatcher) Tracked(ctx context.Context) (map[uuid.UUID]bool, error) {
	if d.inspector == nil {
		return nil, appErr.New(appErr.CodeUnavailable, "task inspector not configured")
	}
	out := map[uuid.UUID]bool{}
	listers := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		d.inspector.ListPendingTasks,
		d.inspector.ListScheduledTasks,
		d.inspector.ListRetryTasks,
		d.inspector.ListActiveTasks,
	}
	for _, lister := range listers {
		infos, err := d.list(ctx, lister)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return out, nil
			}
			return nil, appErr.Wrap(err, appErr.CodeUnavailable, "inspect task queue failed")
		}
		for _, info := range infos {
			if id, err := tasks.DeploymentIDOf(info.Payload); err == nil {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (d *AsynqDispatcher) list(ctx context.Context, lister func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error)) ([]*asynq.TaskInfo, error) {
	var all []*asynq.TaskInfo
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		infos, err := lister(d.opts.Queue, asynq.PageSize(inspectPageSize), asynq.Page(page))
		if err != nil {
			return nil, err
		}
		all = append(all, infos...)
		if len(infos) < inspectPageSize {
			return all, nil
		}
	}
}

func (d *AsynqDispatcher) Shutdown(context.Context) error {
	var errs []error
	if d.inspector != nil {
		errs = append(errs, d.inspector.Close())
	}
	if d.client != nil {
		errs = append(errs, d.client.Close())
	}
	return errors.Join(errs...)
}

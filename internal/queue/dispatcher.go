// Package queue hands deployment tasks to workers, either an in-process pool
// or asynq over Redis.
package queue

import (
	"context"

	"github.com/cyber-range/engine/internal/queue/tasks"
	"github.com/google/uuid"
)

// Dispatcher schedules deployment tasks. Enqueue never blocks on provisioning.
type Dispatcher interface {
	EnqueueDeploy(ctx context.Context, p tasks.DeployPayload) error
	EnqueueDestroy(ctx context.Context, p tasks.DestroyPayload) error
	// Shutdown stops accepting tasks and waits for running ones until ctx ends.
	Shutdown(ctx context.Context) error
}

// Tracker is implemented by dispatchers that can report which deployments
// still have a task queued or running.
type Tracker interface {
	Tracked(ctx context.Context) (map[uuid.UUID]bool, error)
}

var (
	_ Tracker = (*LocalDispatcher)(nil)
	_ Tracker = (*AsynqDispatcher)(nil)
)

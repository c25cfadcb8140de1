package queue

import (
	"context"
	"sync"

	"github.com/cyber-range/engine/internal/queue/tasks"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/cyber-range/engine/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type job struct {
	id       uuid.UUID
	taskType string
	run      func(ctx context.Context) error
}

// LocalDispatcher runs tasks on a fixed pool of goroutines fed by a bounded
// queue. At most one task per deployment id is queued or running at a time.
type LocalDispatcher struct {
	runner  tasks.Runner
	metrics *metrics.Metrics

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[uuid.UUID]string
	closed   bool
}

// NewLocalDispatcher starts workers goroutines. queueSize bounds the tasks
// waiting for a worker.
func NewLocalDispatcher(runner tasks.Runner, workers, queueSize int, m *metrics.Metrics) *LocalDispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &LocalDispatcher{
		runner:   runner,
		metrics:  m,
		jobs:     make(chan job, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uuid.UUID]string),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work(i)
	}
	logger.L().Info("local task dispatcher started", zap.Int("workers", workers), zap.Int("queue_size", queueSize))
	return d
}

func (d *LocalDispatcher) EnqueueDeploy(_ context.Context, p tasks.DeployPayload) error {
	return d.enqueue(job{
		id:       p.DeploymentID,
		taskType: tasks.TypeDeploy,
		run:      func(ctx context.Context) error { return d.runner.RunDeploy(ctx, p) },
	})
}

func (d *LocalDispatcher) EnqueueDestroy(_ context.Context, p tasks.DestroyPayload) error {
	return d.enqueue(job{
		id:       p.DeploymentID,
		taskType: tasks.TypeDestroy,
		run:      func(ctx context.Context) error { return d.runner.RunDestroy(ctx, p) },
	})
}

func (d *LocalDispatcher) enqueue(j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return appErr.New(appErr.CodeUnavailable, "task queue is shut down")
	}
	if running, ok := d.inflight[j.id]; ok {
		return appErr.Newf(appErr.CodeConflict, "deployment %s already has a %s task in progress", j.id, running).
			WithMeta("task_type", running)
	}

	select {
	case d.jobs <- j:
	default:
		return appErr.New(appErr.CodeUnavailable, "task queue is full")
	}
	d.inflight[j.id] = j.taskType
	d.metrics.SetQueued(len(d.jobs))
	logger.ForDeployment(j.id.String()).Info("task enqueued", zap.String("task_type", j.taskType))
	return nil
}

// InFlight reports whether a task for id is queued or running.
func (d *LocalDispatcher) InFlight(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

func (d *LocalDispatcher) Tracked(context.Context) (map[uuid.UUID]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uuid.UUID]bool, len(d.inflight))
	for id := range d.inflight {
		out[id] = true
	}
	return out, nil
}

func (d *LocalDispatcher) work(n int) {
	defer d.wg.Done()
	for j := range d.jobs {
		d.metrics.SetQueued(len(d.jobs))
		d.execute(n, j)
	}
}

func (d *LocalDispatcher) execute(n int, j job) {
	log := logger.ForDeployment(j.id.String()).With(zap.String("task_type", j.taskType), zap.Int("worker", n))
	defer func() {
		// Task bodies settle their own panics; this keeps the worker alive regardless.
		if r := recover(); r != nil {
			log.Error("task panicked", zap.Any("panic", r))
		}
		d.mu.Lock()
		delete(d.inflight, j.id)
		d.mu.Unlock()
	}()

	log.Debug("task started")
	if err := j.run(d.ctx); err != nil {
		log.Warn("task finished with error", zap.Error(err))
		return
	}
	log.Debug("task finished")
}

// Shutdown rejects new tasks and drains the queue. If ctx ends first, running
// tasks are cancelled and Shutdown waits for them to settle.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		logger.L().Warn("task dispatcher shutdown timed out, cancelling running tasks")
		d.cancel()
		<-done
		return ctx.Err()
	}
}

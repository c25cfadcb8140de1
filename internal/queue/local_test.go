package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cyber-range/engine/internal/queue/tasks"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/cyber-range/engine/pkg/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

// blockingRunner parks every task until release is closed.
type blockingRunner struct {
	started chan uuid.UUID
	release chan struct{}

	mu       sync.Mutex
	deploys  []uuid.UUID
	destroys []uuid.UUID
	panicOn  uuid.UUID
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan uuid.UUID, 16), release: make(chan struct{})}
}

func (r *blockingRunner) RunDeploy(ctx context.Context, p tasks.DeployPayload) error {
	r.mu.Lock()
	r.deploys = append(r.deploys, p.DeploymentID)
	r.mu.Unlock()
	return r.wait(ctx, p.DeploymentID)
}

func (r *blockingRunner) RunDestroy(ctx context.Context, p tasks.DestroyPayload) error {
	r.mu.Lock()
	r.destroys = append(r.destroys, p.DeploymentID)
	r.mu.Unlock()
	return r.wait(ctx, p.DeploymentID)
}

func (r *blockingRunner) wait(ctx context.Context, id uuid.UUID) error {
	r.started <- id
	if id == r.panicOn {
		panic("runner exploded")
	}
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitStarted(t *testing.T, r *blockingRunner) uuid.UUID {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
		return uuid.Nil
	}
}

func TestLocalDispatcher_RejectsSecondTaskForSameID(t *testing.T) {
	r := newBlockingRunner()
	d := NewLocalDispatcher(r, 2, 4, metrics.New())
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: id, Scenario: "basic_pentest"}))
	waitStarted(t, r)
	assert.True(t, d.InFlight(id))

	err := d.EnqueueDestroy(ctx, tasks.DestroyPayload{DeploymentID: id})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))

	other := uuid.New()
	require.NoError(t, d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: other, Scenario: "basic_pentest"}))
	assert.Equal(t, other, waitStarted(t, r), "different ids run concurrently")

	tracked, err := d.Tracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]bool{id: true, other: true}, tracked)

	close(r.release)
	require.NoError(t, d.Shutdown(ctx))
	assert.False(t, d.InFlight(id))
	assert.ElementsMatch(t, []uuid.UUID{id, other}, r.deploys)
	assert.Empty(t, r.destroys)
}

func TestLocalDispatcher_IDReusableAfterCompletion(t *testing.T) {
	r := newBlockingRunner()
	close(r.release)
	d := NewLocalDispatcher(r, 1, 4, nil)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: id}))
	waitStarted(t, r)
	require.Eventually(t, func() bool { return !d.InFlight(id) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.EnqueueDestroy(ctx, tasks.DestroyPayload{DeploymentID: id}))
	waitStarted(t, r)
	require.NoError(t, d.Shutdown(ctx))
	assert.Equal(t, []uuid.UUID{id}, r.destroys)
}

func TestLocalDispatcher_FullQueueIsUnavailable(t *testing.T) {
	r := newBlockingRunner()
	d := NewLocalDispatcher(r, 1, 1, metrics.New())
	ctx := context.Background()

	require.NoError(t, d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: uuid.New()}))
	waitStarted(t, r)
	require.NoError(t, d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: uuid.New()}))

	err := d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: uuid.New()})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeUnavailable))

	close(r.release)
	require.NoError(t, d.Shutdown(ctx))
	assert.Len(t, r.deploys, 2)
}

func TestLocalDispatcher_ShutdownRejectsNewTasks(t *testing.T) {
	d := NewLocalDispatcher(newBlockingRunner(), 1, 1, nil)
	require.NoError(t, d.Shutdown(context.Background()))

	err := d.EnqueueDeploy(context.Background(), tasks.DeployPayload{DeploymentID: uuid.New()})
	assert.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestLocalDispatcher_ShutdownTimeoutCancelsRunningTasks(t *testing.T) {
	r := newBlockingRunner()
	d := NewLocalDispatcher(r, 1, 1, nil)
	require.NoError(t, d.EnqueueDeploy(context.Background(), tasks.DeployPayload{DeploymentID: uuid.New()}))
	waitStarted(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalDispatcher_WorkerSurvivesPanic(t *testing.T) {
	r := newBlockingRunner()
	r.panicOn = uuid.New()
	close(r.release)
	d := NewLocalDispatcher(r, 1, 4, nil)
	ctx := context.Background()

	require.NoError(t, d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: r.panicOn}))
	next := uuid.New()
	require.NoError(t, d.EnqueueDeploy(ctx, tasks.DeployPayload{DeploymentID: next}))

	waitStarted(t, r)
	assert.Equal(t, next, waitStarted(t, r))
	require.NoError(t, d.Shutdown(ctx))
	assert.False(t, d.InFlight(r.panicOn))
}

package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyber-range/engine/internal/models"
	"github.com/cyber-range/engine/internal/queue/tasks"
	"github.com/cyber-range/engine/internal/repository"
	"github.com/cyber-range/engine/internal/scenario"
	"github.com/cyber-range/engine/pkg/database"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) EnqueueDeploy(ctx context.Context, p tasks.DeployPayload) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockDispatcher) EnqueueDestroy(ctx context.Context, p tasks.DestroyPayload) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockDispatcher) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newService(t *testing.T) (DeploymentService, repository.DeploymentRepository, *mockDispatcher) {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), "svc.db"), "test")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	repo := repository.NewDeploymentRepository(db)
	disp := &mockDispatcher{}
	return NewDeploymentService(repo, scenario.NewLoader("../../templates"), disp), repo, disp
}

func seed(t *testing.T, repo repository.DeploymentRepository, statuses ...models.Status) *models.Deployment {
	t.Helper()
	ctx := context.Background()
	d := &models.Deployment{ID: uuid.New(), FriendlyName: "lab", Scenario: "basic_pentest"}
	require.NoError(t, repo.Create(ctx, d))
	for _, s := range statuses {
		_, err := repo.Update(ctx, d.ID, models.DeploymentUpdate{Status: models.WithStatus(s)})
		require.NoError(t, err)
	}
	require.NoError(t, repo.GetByID(ctx, d.ID, d))
	return d
}

func TestCreateDeployment(t *testing.T) {
	ctx := context.Background()

	t.Run("records pending and enqueues", func(t *testing.T) {
		svc, repo, disp := newService(t)
		disp.On("EnqueueDeploy", mock.Anything, mock.MatchedBy(func(p tasks.DeployPayload) bool {
			return p.Scenario == "basic_pentest" && p.Variables["flag_value"] == "x"
		})).Return(nil).Once()

		d, err := svc.CreateDeployment(ctx, &CreateDeploymentInput{
			Scenario:  "basic_pentest.yaml",
			Name:      "lab1",
			Variables: map[string]string{"flag_value": "x"},
		})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, d.ID)
		assert.Equal(t, "lab1", d.FriendlyName)

		var got models.Deployment
		require.NoError(t, repo.GetByID(ctx, d.ID, &got))
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Empty(t, got.OutputMap())
		disp.AssertExpectations(t)
	})

	t.Run("label defaults to scenario", func(t *testing.T) {
		svc, _, disp := newService(t)
		disp.On("EnqueueDeploy", mock.Anything, mock.Anything).Return(nil).Once()

		d, err := svc.CreateDeployment(ctx, &CreateDeploymentInput{Scenario: "basic_pentest"})
		require.NoError(t, err)
		assert.Equal(t, "basic_pentest", d.FriendlyName)
	})

	t.Run("same label twice yields distinct ids", func(t *testing.T) {
		svc, _, disp := newService(t)
		disp.On("EnqueueDeploy", mock.Anything, mock.Anything).Return(nil).Twice()

		a, err := svc.CreateDeployment(ctx, &CreateDeploymentInput{Scenario: "basic_pentest", Name: "lab1"})
		require.NoError(t, err)
		b, err := svc.CreateDeployment(ctx, &CreateDeploymentInput{Scenario: "basic_pentest", Name: "lab1"})
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("unknown scenario", func(t *testing.T) {
		svc, repo, disp := newService(t)

		_, err := svc.CreateDeployment(ctx, &CreateDeploymentInput{Scenario: "does_not_exist"})
		require.Error(t, err)
		assert.True(t, appErr.IsCode(err, appErr.CodeScenarioNotFound))

		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
		disp.AssertNotCalled(t, "EnqueueDeploy", mock.Anything, mock.Anything)
	})

	t.Run("bad override name", func(t *testing.T) {
		svc, _, _ := newService(t)

		_, err := svc.CreateDeployment(ctx, &CreateDeploymentInput{
			Scenario:  "basic_pentest",
			Variables: map[string]string{"bad name": "x"},
		})
		require.Error(t, err)
		assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	})

	t.Run("enqueue failure fails the record", func(t *testing.T) {
		svc, repo, disp := newService(t)
		disp.On("EnqueueDeploy", mock.Anything, mock.Anything).
			Return(appErr.New(appErr.CodeUnavailable, "task queue is full")).Once()

		_, err := svc.CreateDeployment(ctx, &CreateDeploymentInput{Scenario: "basic_pentest"})
		require.Error(t, err)
		assert.True(t, appErr.IsCode(err, appErr.CodeUnavailable))

		all, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, models.StatusFailed, all[0].Status)
		assert.Contains(t, all[0].Error, "task queue is full")
	})
}

func TestDestroyDeployment(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		svc, _, _ := newService(t)
		_, err := svc.DestroyDeployment(ctx, uuid.New())
		assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))
	})

	t.Run("rejected while provisioning", func(t *testing.T) {
		svc, repo, disp := newService(t)
		for _, statuses := range [][]models.Status{nil, {models.StatusDeploying}} {
			d := seed(t, repo, statuses...)
			_, err := svc.DestroyDeployment(ctx, d.ID)
			require.Error(t, err)
			assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
		}
		disp.AssertNotCalled(t, "EnqueueDestroy", mock.Anything, mock.Anything)
	})

	t.Run("active moves to destroying", func(t *testing.T) {
		svc, repo, disp := newService(t)
		d := seed(t, repo, models.StatusDeploying, models.StatusActive)
		disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: d.ID}).Return(nil).Once()

		got, err := svc.DestroyDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDestroying, got.Status)
		disp.AssertExpectations(t)
	})

	t.Run("destroying is idempotent", func(t *testing.T) {
		svc, repo, disp := newService(t)
		d := seed(t, repo, models.StatusDeploying, models.StatusActive, models.StatusDestroying)

		got, err := svc.DestroyDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDestroying, got.Status)
		disp.AssertNotCalled(t, "EnqueueDestroy", mock.Anything, mock.Anything)
	})

	t.Run("terminal record is purged", func(t *testing.T) {
		svc, repo, disp := newService(t)
		d := seed(t, repo, models.StatusFailed)
		disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: d.ID}).Return(nil).Once()

		got, err := svc.DestroyDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		disp.AssertExpectations(t)
	})

	t.Run("dispatcher conflict passes through", func(t *testing.T) {
		svc, repo, disp := newService(t)
		d := seed(t, repo, models.StatusDeploying, models.StatusActive)
		disp.On("EnqueueDestroy", mock.Anything, mock.Anything).
			Return(appErr.New(appErr.CodeConflict, "task in progress")).Once()

		_, err := svc.DestroyDeployment(ctx, d.ID)
		assert.True(t, appErr.IsCode(err, appErr.CodeConflict))

		var got models.Deployment
		require.NoError(t, repo.GetByID(ctx, d.ID, &got))
		assert.Equal(t, models.StatusActive, got.Status)
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	svc, repo, disp := newService(t)

	pending := seed(t, repo)
	deploying := seed(t, repo, models.StatusDeploying)
	destroying := seed(t, repo, models.StatusDeploying, models.StatusActive, models.StatusDestroying)
	active := seed(t, repo, models.StatusDeploying, models.StatusActive)

	disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: pending.ID, KeepRecord: true}).Return(nil).Once()
	disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: deploying.ID, KeepRecord: true}).Return(nil).Once()
	disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: destroying.ID}).Return(nil).Once()

	report, err := svc.Recover(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{pending.ID, deploying.ID}, report.Interrupted)
	assert.Equal(t, []uuid.UUID{destroying.ID}, report.Resumed)
	disp.AssertExpectations(t)

	for _, id := range report.Interrupted {
		var got models.Deployment
		require.NoError(t, repo.GetByID(ctx, id, &got))
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, interruptedError, got.Error)
	}
	var untouched models.Deployment
	require.NoError(t, repo.GetByID(ctx, active.ID, &untouched))
	assert.Equal(t, models.StatusActive, untouched.Status)
}

type trackingDispatcher struct {
	*mockDispatcher
	tracked map[uuid.UUID]bool
}

func (d *trackingDispatcher) Tracked(context.Context) (map[uuid.UUID]bool, error) {
	return d.tracked, nil
}

func TestRecoverWithTrackedTasks(t *testing.T) {
	ctx := context.Background()
	_, repo, disp := newService(t)

	queued := seed(t, repo)
	orphaned := seed(t, repo, models.StatusDeploying)
	destroying := seed(t, repo, models.StatusDeploying, models.StatusActive, models.StatusDestroying)

	tracking := &trackingDispatcher{mockDispatcher: disp, tracked: map[uuid.UUID]bool{queued.ID: true}}
	svc := NewDeploymentService(repo, scenario.NewLoader("../../templates"), tracking)

	disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: orphaned.ID, KeepRecord: true}).Return(nil).Once()
	disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: destroying.ID}).Return(nil).Once()

	report, err := svc.Recover(ctx, RecoverOptions{StaleAfter: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{orphaned.ID}, report.Interrupted)
	assert.Equal(t, []uuid.UUID{destroying.ID}, report.Resumed)
	disp.AssertExpectations(t)

	var got models.Deployment
	require.NoError(t, repo.GetByID(ctx, queued.ID, &got))
	assert.Equal(t, models.StatusPending, got.Status)

	require.NoError(t, repo.GetByID(ctx, orphaned.ID, &got))
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, interruptedError, got.Error)

	t.Run("stale tracked record is recovered", func(t *testing.T) {
		disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: queued.ID, KeepRecord: true}).Return(nil).Once()
		disp.On("EnqueueDestroy", mock.Anything, tasks.DestroyPayload{DeploymentID: destroying.ID}).Return(nil).Once()

		report, err := svc.Recover(ctx, RecoverOptions{StaleAfter: time.Nanosecond})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{queued.ID}, report.Interrupted)
		disp.AssertExpectations(t)
	})

	t.Run("recently updated records are left alone", func(t *testing.T) {
		fresh := seed(t, repo, models.StatusDeploying)

		report, err := svc.Recover(ctx, RecoverOptions{MinIdle: time.Hour})
		require.NoError(t, err)
		assert.Empty(t, report.Interrupted)
		assert.Empty(t, report.Resumed)

		require.NoError(t, repo.GetByID(ctx, fresh.ID, &got))
		assert.Equal(t, models.StatusDeploying, got.Status)
	})
}

func TestListScenarios(t *testing.T) {
	svc, _, _ := newService(t)
	names, err := svc.ListScenarios(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "basic_pentest")
	assert.Contains(t, names, "advanced_multi_team")
}

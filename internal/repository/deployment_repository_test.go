package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyber-range/engine/internal/models"
	"github.com/cyber-range/engine/pkg/database"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	_, err := logger.Init("error", "json")
	require.NoError(t, err)

	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), "test.db"), "test")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func createDeployment(t *testing.T, repo DeploymentRepository, name string) *models.Deployment {
	t.Helper()
	d := &models.Deployment{ID: uuid.New(), FriendlyName: name, Scenario: "basic_pentest"}
	require.NoError(t, repo.Create(context.Background(), d))
	return d
}

func advance(t *testing.T, repo DeploymentRepository, id uuid.UUID, statuses ...models.Status) {
	t.Helper()
	for _, s := range statuses {
		_, err := repo.Update(context.Background(), id, models.DeploymentUpdate{Status: models.WithStatus(s)})
		require.NoError(t, err)
	}
}

func TestCreateThenGetIsPendingWithEmptyOutputs(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	d := &models.Deployment{ID: uuid.New(), FriendlyName: "lab1", Scenario: "basic_pentest", Status: models.StatusActive}
	require.NoError(t, repo.Create(context.Background(), d))

	var got models.Deployment
	require.NoError(t, repo.GetByID(context.Background(), d.ID, &got))
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, got.OutputMap())
	assert.Equal(t, "lab1", got.FriendlyName)
	assert.Empty(t, got.Error)
}

func TestGetUnknownIsNotFound(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	var got models.Deployment
	err := repo.GetByID(context.Background(), uuid.New(), &got)
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	_, err = repo.Update(context.Background(), uuid.New(), models.DeploymentUpdate{Status: models.WithStatus(models.StatusDeploying)})
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestNestedOutputsRoundTrip(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	d := createDeployment(t, repo, "lab1")
	advance(t, repo, d.ID, models.StatusDeploying)

	outputs := map[string]any{
		"victim_ip":   "10.10.0.12",
		"credentials": map[string]any{"username": "kali", "password": "kali"},
		"ports":       []any{float64(22), float64(80)},
	}
	_, err := repo.Update(context.Background(), d.ID, models.DeploymentUpdate{
		Status:  models.WithStatus(models.StatusActive),
		Outputs: outputs,
	})
	require.NoError(t, err)

	var got models.Deployment
	require.NoError(t, repo.GetByID(context.Background(), d.ID, &got))
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, outputs, got.OutputMap())
}

func TestPartialUpdateBumpsUpdatedAt(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	d := createDeployment(t, repo, "lab1")

	var before models.Deployment
	require.NoError(t, repo.GetByID(context.Background(), d.ID, &before))
	time.Sleep(10 * time.Millisecond)

	updated, err := repo.Update(context.Background(), d.ID, models.DeploymentUpdate{Error: models.WithError("note")})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, updated.Status)
	assert.Equal(t, "note", updated.Error)

	var after models.Deployment
	require.NoError(t, repo.GetByID(context.Background(), d.ID, &after))
	assert.Equal(t, "note", after.Error)
	assert.Equal(t, "lab1", after.FriendlyName)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestOutputsClearedWhenLeavingActive(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	d := createDeployment(t, repo, "lab1")
	advance(t, repo, d.ID, models.StatusDeploying)
	_, err := repo.Update(context.Background(), d.ID, models.DeploymentUpdate{
		Status:  models.WithStatus(models.StatusActive),
		Outputs: map[string]any{"attacker_ip": "10.0.0.2"},
	})
	require.NoError(t, err)

	updated, err := repo.Update(context.Background(), d.ID, models.DeploymentUpdate{Status: models.WithStatus(models.StatusDestroying)})
	require.NoError(t, err)
	assert.Empty(t, updated.OutputMap())

	var got models.Deployment
	require.NoError(t, repo.GetByID(context.Background(), d.ID, &got))
	assert.Empty(t, got.OutputMap())
}

func TestOutputsIgnoredUnlessActive(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	d := createDeployment(t, repo, "lab1")

	_, err := repo.Update(context.Background(), d.ID, models.DeploymentUpdate{
		Status:  models.WithStatus(models.StatusDeploying),
		Outputs: map[string]any{"attacker_ip": "10.0.0.2"},
	})
	require.NoError(t, err)

	var got models.Deployment
	require.NoError(t, repo.GetByID(context.Background(), d.ID, &got))
	assert.Empty(t, got.OutputMap())
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	d := createDeployment(t, repo, "lab1")

	_, err := repo.Update(context.Background(), d.ID, models.DeploymentUpdate{Status: models.WithStatus(models.StatusActive)})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))

	var got models.Deployment
	require.NoError(t, repo.GetByID(context.Background(), d.ID, &got))
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestConcurrentCompetingTransitions(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))

	for i := 0; i < 10; i++ {
		d := createDeployment(t, repo, "race")
		advance(t, repo, d.ID, models.StatusDeploying)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		targets := []models.Status{models.StatusActive, models.StatusFailed}
		for j, target := range targets {
			wg.Add(1)
			go func(j int, target models.Status) {
				defer wg.Done()
				_, errs[j] = repo.Update(context.Background(), d.ID, models.DeploymentUpdate{Status: models.WithStatus(target)})
			}(j, target)
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
				failures++
			}
		}
		assert.Equal(t, 1, failures)
	}
}

func TestListNewestFirstAndByStatus(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	first := createDeployment(t, repo, "first")
	time.Sleep(10 * time.Millisecond)
	second := createDeployment(t, repo, "second")
	advance(t, repo, second.ID, models.StatusDeploying)

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	deploying, err := repo.ListByStatus(context.Background(), models.StatusDeploying, models.StatusDestroying)
	require.NoError(t, err)
	require.Len(t, deploying, 1)
	assert.Equal(t, second.ID, deploying[0].ID)

	none, err := repo.ListByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteHidesRecord(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	d := createDeployment(t, repo, "lab1")

	require.NoError(t, repo.Delete(context.Background(), d.ID))
	var got models.Deployment
	assert.True(t, appErr.IsCode(repo.GetByID(context.Background(), d.ID, &got), appErr.CodeNotFound))
	assert.True(t, appErr.IsCode(repo.Delete(context.Background(), d.ID), appErr.CodeNotFound))

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

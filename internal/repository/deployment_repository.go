package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cyber-range/engine/internal/models"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var emptyOutputs = datatypes.JSON("{}")

// DeploymentRepository is the durable record store for deployments.
// Mutations of a single record are serialized; different records never block each other.
type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	Update(ctx context.Context, id uuid.UUID, upd models.DeploymentUpdate) (*models.Deployment, error)
	List(ctx context.Context) ([]models.Deployment, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Deployment, error)
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db    *gorm.DB
	locks *keyedMutex[uuid.UUID]
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{
		BaseRepository: NewBaseRepository[models.Deployment](db, "deployment"),
		db:             db,
		locks:          newKeyedMutex[uuid.UUID](),
	}
}

// Create inserts d as a new pending record with empty outputs.
func (r *deploymentRepository) Create(ctx context.Context, d *models.Deployment) error {
	if d.ID == uuid.Nil {
		return appErr.New(appErr.CodeInvalid, "deployment id is required")
	}
	d.Status = models.StatusPending
	d.Outputs = emptyOutputs
	d.Error = ""
	return r.BaseRepository.Create(ctx, d)
}

// Update applies upd under the record's lock inside a transaction and returns the
// resulting record. Status changes must follow the lifecycle table; outputs are kept
// only while the record is active.
func (r *deploymentRepository) Update(ctx context.Context, id uuid.UUID, upd models.DeploymentUpdate) (*models.Deployment, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var out models.Deployment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return appErr.Newf(appErr.CodeNotFound, "deployment %s not found", id)
			}
			return appErr.Wrap(err, appErr.CodeInternal, "load deployment failed")
		}

		now := time.Now().UTC()
		changes := map[string]any{"updated_at": now}

		if upd.Status != nil && *upd.Status != out.Status {
			if !out.Status.CanTransitionTo(*upd.Status) {
				return appErr.Newf(appErr.CodeConflict, "deployment %s cannot move from %s to %s", id, out.Status, *upd.Status).
					WithMeta("status", string(out.Status))
			}
			changes["status"] = *upd.Status
			out.Status = *upd.Status
		}
		if upd.Error != nil {
			changes["error"] = *upd.Error
			out.Error = *upd.Error
		}

		switch {
		case out.Status != models.StatusActive:
			if len(out.Outputs) != 0 && string(out.Outputs) != string(emptyOutputs) {
				changes["outputs"] = emptyOutputs
			}
			out.Outputs = emptyOutputs
		case upd.Outputs != nil:
			raw, err := json.Marshal(upd.Outputs)
			if err != nil {
				return appErr.Wrap(err, appErr.CodeInvalid, "outputs are not serializable")
			}
			changes["outputs"] = datatypes.JSON(raw)
			out.Outputs = raw
		}

		if err := tx.Model(&models.Deployment{}).Where("id = ?", id).Updates(changes).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "update deployment failed")
		}
		out.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *deploymentRepository) List(ctx context.Context) ([]models.Deployment, error) {
	var out []models.Deployment
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Deployment, error) {
	var out []models.Deployment
	if len(statuses) == 0 {
		return out, nil
	}
	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments by status failed")
	}
	return out, nil
}

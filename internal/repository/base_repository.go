package repository

import (
	"context"
	"errors"
	"fmt"

	appErr "github.com/cyber-range/engine/pkg/errors"
	"gorm.io/gorm"
)

// BaseRepository defines common CRUD operations.
type BaseRepository[T any] interface {
	Create(ctx context.Context, obj *T) error
	GetByID(ctx context.Context, id any, dest *T) error
	Delete(ctx context.Context, id any) error
}

type baseRepository[T any] struct {
	db   *gorm.DB
	name string
}

// NewBaseRepository returns CRUD helpers for T; name is used in error messages.
func NewBaseRepository[T any](db *gorm.DB, name string) BaseRepository[T] {
	return &baseRepository[T]{db: db, name: name}
}

func (r *baseRepository[T]) Create(ctx context.Context, obj *T) error {
	if err := r.db.WithContext(ctx).Create(obj).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return appErr.Wrap(err, appErr.CodeConflict, r.name+" already exists")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "create "+r.name+" failed")
	}
	return nil
}

func (r *baseRepository[T]) GetByID(ctx context.Context, id any, dest *T) error {
	if err := r.db.WithContext(ctx).First(dest, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, fmt.Sprintf("%s %v not found", r.name, id))
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get "+r.name+" failed")
	}
	return nil
}

func (r *baseRepository[T]) Delete(ctx context.Context, id any) error {
	var t T
	res := r.db.WithContext(ctx).Delete(&t, "id = ?", id)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "delete "+r.name+" failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, fmt.Sprintf("%s %v not found", r.name, id))
	}
	return nil
}

package repository

import (
	"context"

	"github.com/ammar0144/orm4go/pkg/query"
)

// Repository is a typed facade over a session for one entity type
type Repository[T any] interface {
	// Queries. A missing row is not an error: FindByID and First return nil.
	FindByID(ctx context.Context, id any) (*T, error)
	FindAll(ctx context.Context) ([]T, error)
	FindWhere(ctx context.Context, conds ...query.Condition) ([]T, error)
	First(ctx context.Context, conds ...query.Condition) (*T, error)
	Page(ctx context.Context, offset, limit int) ([]T, error)
	Count(ctx context.Context, conds ...query.Condition) (int64, error)
	Exists(ctx context.Context, id any) (bool, error)

	// Commands. Delete reports whether a row was removed.
	Create(ctx context.Context, v *T) error
	Update(ctx context.Context, v *T) error
	Delete(ctx context.Context, id any) (bool, error)

	// Batch operations
	CreateBatch(ctx context.Context, vs []*T) error
	UpdateBatch(ctx context.Context, vs []*T) error

	// Cache management
	InvalidateCache(ctx context.Context) error
	WarmCache(ctx context.Context) error
}

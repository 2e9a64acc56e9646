package dao

import (
	"context"
)

// Service is the generic persistence contract used by regula record stores
// (approval stages, groups, custom groups, table dependencies).  K is the
// record key type, T the record type.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}

package ports

import "context"

// UnitOfWork groups store writes that must land together, such as an install
// filling a namespace and recording its registration. fn's error rolls back.
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DirectUnitOfWork runs fn as is, for stores without transactions.
type DirectUnitOfWork struct{}

func (DirectUnitOfWork) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

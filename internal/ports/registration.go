package ports

import (
	"context"
	"time"

	"pwacache/internal/domain/swcache"
)

// Registration is the persisted lifecycle record of one cache version.
type Registration struct {
	Version   string
	State     swcache.LifecycleState
	Assets    []string
	UpdatedAt time.Time
}

// RegistrationStore keeps lifecycle state across process restarts.
type RegistrationStore interface {
	Save(ctx context.Context, reg Registration) error
	// List returns registrations ordered by UpdatedAt ascending.
	List(ctx context.Context) ([]Registration, error)
}

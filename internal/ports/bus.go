package ports

import (
	"context"

	"pwacache/internal/domain/swcache"
)

// ControlBus carries control messages between instances.
type ControlBus interface {
	Publish(ctx context.Context, msg swcache.ControlMessage) error
	// Subscribe delivers every received message to handler until the returned
	// stop function is called.
	Subscribe(ctx context.Context, handler func(context.Context, swcache.ControlMessage)) (stop func() error, err error)
	Close() error
}

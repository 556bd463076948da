package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/ports"
)

// LocalBus delivers control messages within the process. It stands in for NATS
// when no server is configured.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]localHandler
	closed   bool
}

type localHandler struct {
	ctx context.Context
	fn  func(context.Context, swcache.ControlMessage)
}

var _ ports.ControlBus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]localHandler)}
}

// Publish runs every handler synchronously. Messages go through the same
// encoding as on the wire.
func (b *LocalBus) Publish(ctx context.Context, msg swcache.ControlMessage) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	decoded, err := swcache.DecodeControlMessage(data)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("bus closed")
	}
	handlers := make([]localHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h.fn(h.ctx, decoded)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handler func(context.Context, swcache.ControlMessage)) (func() error, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = localHandler{ctx: context.WithoutCancel(ctx), fn: handler}

	return func() error {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
		return nil
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]localHandler)
	return nil
}

func encodeMessage(msg swcache.ControlMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.Wrap(err, "encode control message")
	}
	return data, nil
}

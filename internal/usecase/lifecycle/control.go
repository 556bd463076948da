package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/ports"
)

// Invalidator drops application cache entries whose key matches pattern.
type Invalidator interface {
	InvalidatePattern(pattern *regexp.Regexp) int
}

// ControlHandler executes control messages against the manager.
type ControlHandler struct {
	manager     *Manager
	invalidator Invalidator
}

func NewControlHandler(manager *Manager, invalidator Invalidator) *ControlHandler {
	return &ControlHandler{manager: manager, invalidator: invalidator}
}

// Handle never returns an error; failures are reported in the result.
func (h *ControlHandler) Handle(ctx context.Context, msg swcache.ControlMessage) swcache.ControlResult {
	ctx = logging.WithAttrs(logging.WithComponent(ctx, "lifecycle.control"), slog.String("control", string(msg.Type)))
	result := swcache.ControlResult{Type: msg.Type}

	if err := msg.Validate(); err != nil {
		return failed(ctx, result, err)
	}

	switch msg.Type {
	case swcache.ControlSkipWaiting:
		version, err := h.manager.Activate(ctx)
		if errors.Is(err, swcache.ErrNothingToActivate) {
			version, _ = h.manager.ActiveVersion()
			err = nil
		}
		if err != nil {
			return failed(ctx, result, err)
		}
		result.Version = version

	case swcache.ControlClearCache:
		removed, err := h.manager.ClearAll(ctx)
		if err != nil {
			return failed(ctx, result, err)
		}
		result.Removed = removed

	case swcache.ControlCacheSize:
		size, err := h.manager.CacheSize(ctx)
		if err != nil {
			return failed(ctx, result, err)
		}
		result.Size = size

	case swcache.ControlInvalidate:
		if h.invalidator == nil {
			return failed(ctx, result, errors.New("no application cache to invalidate"))
		}
		pattern, err := regexp.Compile(msg.Pattern)
		if err != nil {
			return failed(ctx, result, errs.Wrapf(swcache.ErrInvalidControl, "compile pattern %q: %v", msg.Pattern, err))
		}
		result.Removed = h.invalidator.InvalidatePattern(pattern)
	}

	result.Success = true
	logging.Info(ctx, "control message handled",
		slog.Int("size", result.Size),
		slog.Int("removed", result.Removed),
		slog.String("version", result.Version),
	)
	return result
}

// Listen handles every message arriving on bus until the returned stop func is
// called.
func (h *ControlHandler) Listen(ctx context.Context, bus ports.ControlBus) (func() error, error) {
	if bus == nil {
		return func() error { return nil }, nil
	}
	stop, err := bus.Subscribe(ctx, func(msgCtx context.Context, msg swcache.ControlMessage) {
		h.Handle(msgCtx, msg)
	})
	if err != nil {
		return nil, errs.Wrap(err, "subscribe control bus")
	}
	return stop, nil
}

func failed(ctx context.Context, result swcache.ControlResult, err error) swcache.ControlResult {
	logging.Warn(ctx, "control message failed", slog.Any("err", errs.Loggable(err)))
	result.Success = false
	result.Error = err.Error()
	return result
}

package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/ports"
)

// DefaultSubject carries control messages between instances.
const DefaultSubject = "pwacache.control"

// NATSBus publishes and receives control messages on one NATS subject.
type NATSBus struct {
	conn    *nats.Conn
	subject string
}

var _ ports.ControlBus = (*NATSBus)(nil)

func ConnectNATS(ctx context.Context, url string, subject string) (*NATSBus, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is required")
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	logCtx := logging.WithAttrs(logging.WithComponent(ctx, "messaging.nats"), slog.String("subject", subject))

	conn, err := nats.Connect(url,
		nats.Name("pwacache"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn(logCtx, "nats disconnected", slog.Any("err", errs.Loggable(err)))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info(logCtx, "nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errs.Wrapf(err, "connect nats %s", url)
	}

	logging.Info(logCtx, "nats connected", slog.String("url", conn.ConnectedUrl()))
	return &NATSBus{conn: conn, subject: subject}, nil
}

func (b *NATSBus) Publish(ctx context.Context, msg swcache.ControlMessage) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return errs.Wrap(err, "publish control message")
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return errs.Wrap(err, "flush control message")
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, handler func(context.Context, swcache.ControlMessage)) (func() error, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	logCtx := logging.WithAttrs(logging.WithComponent(ctx, "messaging.nats"), slog.String("subject", b.subject))
	handlerCtx := context.WithoutCancel(logCtx)

	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		msg, err := swcache.DecodeControlMessage(m.Data)
		if err != nil {
			logging.Warn(logCtx, "drop invalid control message", slog.Any("err", errs.Loggable(err)))
			return
		}
		handler(handlerCtx, msg)
	})
	if err != nil {
		return nil, errs.Wrapf(err, "subscribe %s", b.subject)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return errs.Wrap(err, "drain nats connection")
	}
	return nil
}

package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
)

const (
	eventHello     = "hello"
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	readLimitBytes = 1 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// helloEvent is the first frame on a new connection.
type helloEvent struct {
	Type       string `json:"type"`
	ClientID   string `json:"client_id"`
	Controller string `json:"controller,omitempty"`
}

// events registers the connection as a client and streams lifecycle events
// to it until either side goes away.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	ctx := logging.WithComponent(r.Context(), "web.events")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", slog.Any("err", errs.Loggable(err)))
		return
	}
	defer conn.Close()

	client, unregister := h.deps.Manager.RegisterClient()
	defer unregister()
	ctx = logging.WithAttrs(ctx, slog.String("client_id", client.ID))
	logging.Debug(ctx, "client connected", slog.String("controller", client.Controller()))

	// The read loop only drains control frames and notices the close.
	gone := make(chan struct{})
	conn.SetReadLimit(readLimitBytes)
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello := helloEvent{Type: eventHello, ClientID: client.ID, Controller: client.Controller()}
	if err := writeFrame(conn, hello); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			logging.Debug(ctx, "client disconnected")
			return
		case event, ok := <-client.Events():
			if !ok {
				return
			}
			if err := writeFrame(conn, event); err != nil {
				logging.Debug(ctx, "write event failed", slog.Any("err", errs.Loggable(err)))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

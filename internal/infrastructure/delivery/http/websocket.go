package httprouter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"mediaqueue/internal/entity"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxInboundMessage   = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Feed upgrades the connection and streams hub events to it until either side
// goes away. Inbound text frames are handed to the hub as observer messages.
func (r *Router) Feed(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Feed")

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.DebugContext(req.Context(), "websocket upgrade failed", slog.Any("error", err))

		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	obs := r.hub.Subscribe(ctx)
	defer r.hub.Unsubscribe(obs.ID)

	log = log.With(slog.String("observer_id", obs.ID))
	log.DebugContext(ctx, "observer connected", slog.String("remote_addr", req.RemoteAddr))

	readDone := make(chan struct{})

	go func() {
		defer close(readDone)

		r.readLoop(ctx, log, conn, obs.ID)
	}()

	writeTimeout := r.opt.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	for {
		select {
		case e := <-obs.Events():
			if err := writeEvent(conn, e, writeTimeout); err != nil {
				log.DebugContext(ctx, "observer write failed", slog.Any("error", err))

				return
			}
		case <-obs.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "observer dropped")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))

			return
		case <-readDone:
			log.DebugContext(ctx, "observer disconnected")

			return
		}
	}
}

func (r *Router) readLoop(ctx context.Context, log *slog.Logger, conn *websocket.Conn, id string) {
	conn.SetReadLimit(maxInboundMessage)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.DebugContext(ctx, "observer read failed", slog.Any("error", err))
			}

			return
		}

		if err := r.hub.Handle(ctx, id, msg); err != nil {
			log.DebugContext(ctx, "observer message rejected", slog.Any("error", err))

			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e entity.Event, timeout time.Duration) error {
	data, err := entity.MarshalEvent(e)
	if err != nil {
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"flora-session/internal/common/logging"
	"flora-session/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	eventBuffer  = 16
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// HandleEvents streams credential changes to a websocket client until it
// disconnects. Slow clients lose events rather than stall the bus.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.logger.WithContext(r.Context()).Debug("Websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	log := h.logger.WithContext(r.Context())
	changes := make(chan session.Change, eventBuffer)
	unsubscribe := h.session.OnCredentialsChanged(func(c session.Change) {
		select {
		case changes <- c:
		default:
			log.Warn("Dropping credential change for slow websocket client",
				logging.String("reason", string(c.Reason)))
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-changes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(c); err != nil {
				log.Debug("Websocket write failed", logging.Err(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

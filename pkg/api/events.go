package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/logging"
)

const (
	eventBuffer = 256
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Events streams grid events over a websocket. ?types=a,b limits the
// stream to the given event types.
func (h *GridHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "event stream disabled"})
		return
	}
	filter := typeFilter(r.URL.Query().Get("types"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", logging.Fields{"error": err})
		return
	}
	defer conn.Close()

	ch, unsubscribe := h.deps.Bus.Subscribe(eventBuffer)
	defer unsubscribe()

	h.logger.Debug("Event subscriber connected", logging.Fields{"remote_addr": r.RemoteAddr})

	// reader: handles pongs and notices the client going away
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if filter != nil && !filter[e.Type] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func typeFilter(raw string) map[events.Type]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[events.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[events.Type(t)] = true
		}
	}
	return filter
}

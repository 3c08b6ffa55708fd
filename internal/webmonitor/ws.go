package webmonitor

import (
	"net/http"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/logger"
	"github.com/fbn/imgrec/overlay-server/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleOverlayWS pushes overlay snapshots as JSON text messages. The client
// is not expected to send anything; reads only track liveness.
func (s *Server) handleOverlayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade error: %v", err)
		return
	}

	id, eventCh := s.overlay.Subscribe()
	s.metrics.WebSocketClients.Add(1)
	logger.Info("WebSocket", "Client #%d connected from %s", id, r.RemoteAddr)

	done := make(chan struct{})
	go wsReadPump(conn, done)

	s.wsWritePump(conn, eventCh, done)

	s.overlay.Unsubscribe(id)
	metrics.Dec(&s.metrics.WebSocketClients)
	conn.Close()
	logger.Info("WebSocket", "Client #%d disconnected", id)
}

// wsReadPump keeps the read deadline alive and closes done on disconnect.
func wsReadPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket", "Read error: %v", err)
			}
			return
		}
	}
}

// wsWritePump owns every write on conn so that events and pings never race.
func (s *Server) wsWritePump(conn *websocket.Conn, eventCh <-chan *SerializedEvent, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	if snap, ok := s.currentSnapshot(); ok {
		if event, err := SerializeSnapshot(snap); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-done:
			return

		case event, ok := <-eventCh:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				logger.Debug("WebSocket", "Write error: %v", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

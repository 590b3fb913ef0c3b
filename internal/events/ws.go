package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler pushes hub events to UI clients over a websocket.
type StreamHandler struct {
	hub    *Hub
	logger *slog.Logger
}

func NewStreamHandler(hub *Hub, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{hub: hub, logger: logger}
}

func (h *StreamHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/events", h.Stream)
}

func (h *StreamHandler) Stream(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	sessionFilter := c.QueryParam("session_id")
	events, unsubscribe := h.hub.Subscribe(defaultSubscriberBuffer)
	defer unsubscribe()

	h.logger.Info("event subscriber connected", "remote", c.RealIP())

	done := make(chan struct{})
	go h.readPump(ws, done)
	h.writePump(ws, events, sessionFilter, done)

	h.logger.Info("event subscriber disconnected", "remote", c.RealIP())
	return nil
}

// readPump only services control frames; clients send nothing meaningful.
func (h *StreamHandler) readPump(ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("event subscriber read error", "error", err)
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(ws *websocket.Conn, events <-chan Event, sessionFilter string, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case evt, ok := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if sessionFilter != "" && evt.SessionID != sessionFilter {
				continue
			}

			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("failed to marshal event", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

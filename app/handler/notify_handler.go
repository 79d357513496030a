package handler

import (
	"net/http"
	"strconv"
	"time"

	"gpubridge/internal/notify"
	"gpubridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	maxReadLen = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// NotifyHandler serves client notification sockets.
type NotifyHandler struct {
	registry *notify.Registry
}

// NewNotifyHandler creates notify handler
func NewNotifyHandler(registry *notify.Registry) *NotifyHandler {
	return &NotifyHandler{registry: registry}
}

// Serve upgrades the request and streams registry messages until either side closes.
// An optional user_id query parameter makes the session eligible for per-user pushes.
func (h *NotifyHandler) Serve(c *gin.Context) {
	var userID *int64
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		userID = &id
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCtx(c.Request.Context(), "websocket upgrade failed: %v", err)
		return
	}

	id := uuid.New().String()
	ch := h.registry.Add(id, userID)
	logger.InfoCtx(c.Request.Context(), "notification client %s connected, total: %d", id, h.registry.Count())

	go h.writeLoop(ws, ch)
	h.readLoop(ws, id)
	logger.InfoCtx(c.Request.Context(), "notification client %s disconnected", id)
}

// writeLoop drains ch onto the socket. A closed channel means the session was
// removed or the server is shutting down.
func (h *NotifyHandler) writeLoop(ws *websocket.Conn, ch <-chan notify.Message) {
	defer ws.Close()
	for msg := range ch {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		var err error
		switch msg.Kind {
		case notify.KindPing:
			err = ws.WriteMessage(websocket.PingMessage, nil)
		case notify.KindClose:
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return
		default:
			err = ws.WriteMessage(websocket.TextMessage, msg.Data)
		}
		if err != nil {
			return
		}
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop discards client frames and unregisters the session on the first error.
func (h *NotifyHandler) readLoop(ws *websocket.Conn, id string) {
	defer h.registry.Remove(id)

	ws.SetReadLimit(maxReadLen)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}

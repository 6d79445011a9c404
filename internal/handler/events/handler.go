// Package events streams controller state changes to clients over SSE and
// websocket.
package events

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	chatHandler "github.com/zhouzirui/greenbot/backend/internal/handler/chat"
	"github.com/zhouzirui/greenbot/backend/internal/middleware"
	chatService "github.com/zhouzirui/greenbot/backend/internal/service/chat"
	"github.com/zhouzirui/greenbot/backend/pkg/utils"
)

const (
	heartbeatInterval = 15 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
)

var log = logrus.WithField("component", "events")

// Handler 推送会话状态变化
type Handler struct {
	registry *chatService.Registry
	upgrader websocket.Upgrader
}

// New creates the change-feed handler. Websocket upgrades are accepted from
// allowedOrigins, or only from the same origin when the list is empty.
func New(registry *chatService.Registry, allowedOrigins []string) *Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
		}
	}
	return &Handler{registry: registry, upgrader: upgrader}
}

// RegisterRoutes 注册事件路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleSSE)
	r.Get("/ws", h.handleWebSocket)
}

type outgoingMessage struct {
	Type      string                `json:"type"`
	Data      *chatService.Snapshot `json:"data,omitempty"`
	Timestamp int64                 `json:"timestamp"`
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) (<-chan chatService.Snapshot, func(), bool) {
	ctx := r.Context()
	ctrl, err := h.registry.Acquire(ctx, middleware.ClientIDFrom(ctx), middleware.UserIDFrom(ctx))
	if err != nil {
		chatHandler.RespondControllerError(w, err)
		return nil, nil, false
	}
	updates, cancel := ctrl.Subscribe()
	return updates, cancel, true
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	clientID := middleware.ClientIDFrom(ctx)
	log.WithField("client", clientID).Debug("sse stream opened")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.WithField("client", clientID).Debug("sse stream closed")
			return
		case snap, open := <-updates:
			if !open {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "state", snap); err != nil {
				log.WithError(err).Debug("sse write failed")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	updates, cancel, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	clientID := middleware.ClientIDFrom(r.Context())
	log.WithField("client", clientID).Debug("websocket connected")

	// the reader only consumes control frames and notices disconnects
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
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

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.WithField("client", clientID).Debug("websocket disconnected")
			return
		case snap, open := <-updates:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := outgoingMessage{Type: "state", Data: &snap, Timestamp: time.Now().UnixMilli()}
			if err := conn.WriteJSON(msg); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/greenbot/backend/internal/middleware"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	chatService "github.com/zhouzirui/greenbot/backend/internal/service/chat"
	"github.com/zhouzirui/greenbot/backend/pkg/utils"
)

var log = logrus.WithField("component", "chat-handler")

// Handler 聊天服务的HTTP处理器
type Handler struct {
	registry *chatService.Registry
	limit    func(http.Handler) http.Handler
}

// New 创建聊天处理器。limit 为空时发送消息不限流。
func New(registry *chatService.Registry, limit func(http.Handler) http.Handler) *Handler {
	return &Handler{registry: registry, limit: limit}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Get("/state", h.handleState)
		r.Post("/conversations", h.handleNewChat)
		r.Post("/conversations/{id}/select", h.handleSelect)
		r.Delete("/conversations/{id}", h.handleDelete)
		r.Put("/persona", h.handleChangePersona)

		send := r
		if h.limit != nil {
			send = r.With(h.limit)
		}
		send.Post("/messages", h.handleSendMessage)
	})
}

func (h *Handler) controller(w http.ResponseWriter, r *http.Request) (*chatService.Controller, bool) {
	ctx := r.Context()
	ctrl, err := h.registry.Acquire(ctx, middleware.ClientIDFrom(ctx), middleware.UserIDFrom(ctx))
	if err != nil {
		RespondControllerError(w, err)
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) handleNewChat(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusCreated, ctrl.NewChat(r.Context()))
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.SelectChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		RespondControllerError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.DeleteChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		RespondControllerError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	reply, err := ctrl.SendMessage(r.Context(), payload.Content)
	if err != nil {
		RespondControllerError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"reply": reply,
		"state": ctrl.Snapshot(),
	})
}

func (h *Handler) handleChangePersona(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.PersonaID == "" {
		utils.RespondError(w, http.StatusBadRequest, "personaId is required")
		return
	}

	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	snap, err := ctrl.ChangePersona(r.Context(), persona.ID(payload.PersonaID))
	if err != nil {
		RespondControllerError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

// RespondControllerError maps controller errors to HTTP statuses.
func RespondControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrEmptyMessage),
		errors.Is(err, chatService.ErrUnknownPersona),
		errors.Is(err, chatService.ErrInvalidScore),
		errors.Is(err, chatService.ErrInvalidClient):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatService.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrNoConversation), errors.Is(err, chatService.ErrSelectionLoading):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chatService.ErrRemoteUnavailable), errors.Is(err, chatService.ErrRegistryClosed):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.WithError(err).Error("chat request failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

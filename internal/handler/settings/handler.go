// Package settings stores per-client preferences such as the completion key.
// Signed-in clients keep their key on the account.
package settings

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	chatHandler "github.com/zhouzirui/greenbot/backend/internal/handler/chat"
	"github.com/zhouzirui/greenbot/backend/internal/middleware"
	chatService "github.com/zhouzirui/greenbot/backend/internal/service/chat"
	"github.com/zhouzirui/greenbot/backend/pkg/utils"
)

// Handler 设置路由
type Handler struct {
	registry *chatService.Registry
	provider string
}

// New creates the settings handler. provider is reported back to clients.
func New(registry *chatService.Registry, provider string) *Handler {
	return &Handler{registry: registry, provider: provider}
}

// RegisterRoutes 注册设置路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/settings", h.handleGet)
	r.Put("/settings/api-key", h.handleSetAPIKey)
	r.Put("/settings/account-key", h.handleSetUseAccountKey)
}

func (h *Handler) controller(w http.ResponseWriter, r *http.Request) (*chatService.Controller, bool) {
	ctx := r.Context()
	ctrl, err := h.registry.Acquire(ctx, middleware.ClientIDFrom(ctx), middleware.UserIDFrom(ctx))
	if err != nil {
		chatHandler.RespondControllerError(w, err)
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	h.respond(w, r, ctrl)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, ctrl *chatService.Controller) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"provider":      h.provider,
		"apiKeyPresent": ctrl.KeyConfigured(r.Context()),
		"useAccountKey": ctrl.UseAccountKey(r.Context()),
		"authenticated": ctrl.UserID() != "",
	})
}

func (h *Handler) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		APIKey string `json:"apiKey"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.SetAPIKey(r.Context(), payload.APIKey); err != nil {
		chatHandler.RespondControllerError(w, err)
		return
	}
	h.respond(w, r, ctrl)
}

func (h *Handler) handleSetUseAccountKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.SetUseAccountKey(r.Context(), payload.Enabled); err != nil {
		chatHandler.RespondControllerError(w, err)
		return
	}
	h.respond(w, r, ctrl)
}

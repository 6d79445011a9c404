// Package auth exposes sign-up, sign-in and sign-out over HTTP.
package auth

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	chatHandler "github.com/zhouzirui/greenbot/backend/internal/handler/chat"
	"github.com/zhouzirui/greenbot/backend/internal/middleware"
	authService "github.com/zhouzirui/greenbot/backend/internal/service/auth"
	chatService "github.com/zhouzirui/greenbot/backend/internal/service/chat"
	"github.com/zhouzirui/greenbot/backend/pkg/utils"
)

var log = logrus.WithField("component", "auth-handler")

// Handler wires the auth service to the client's controller so signing in
// migrates its conversations straight away.
type Handler struct {
	auth     *authService.Service
	registry *chatService.Registry
}

// New creates the auth handler.
func New(auth *authService.Service, registry *chatService.Registry) *Handler {
	return &Handler{auth: auth, registry: registry}
}

// RegisterRoutes 注册认证路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.handleSignUp)
		r.Post("/signin", h.handleSignIn)
		r.Post("/signout", h.handleSignOut)
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := h.auth.SignUp(r.Context(), payload.Email, payload.Password)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	h.respondSession(w, r, http.StatusCreated, session)
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := h.auth.SignIn(r.Context(), payload.Email, payload.Password)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	h.respondSession(w, r, http.StatusOK, session)
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.auth.SignOut(ctx, middleware.TokenFrom(ctx)); err != nil {
		log.WithError(err).Warn("failed to revoke session")
		utils.RespondError(w, http.StatusInternalServerError, "sign out failed")
		return
	}

	ctrl, err := h.registry.Acquire(ctx, middleware.ClientIDFrom(ctx), "")
	if err != nil {
		chatHandler.RespondControllerError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"state": ctrl.Snapshot()})
}

func (h *Handler) respondSession(w http.ResponseWriter, r *http.Request, status int, session authService.Session) {
	ctx := r.Context()
	ctrl, err := h.registry.Acquire(ctx, middleware.ClientIDFrom(ctx), session.UserID)
	if err != nil {
		chatHandler.RespondControllerError(w, err)
		return
	}
	utils.RespondJSON(w, status, map[string]any{
		"session": session,
		"state":   ctrl.Snapshot(),
	})
}

func respondAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authService.ErrInvalidEmail), errors.Is(err, authService.ErrWeakPassword):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, authService.ErrEmailTaken):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, authService.ErrInvalidCredentials), errors.Is(err, authService.ErrUnauthorized):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	default:
		log.WithError(err).Error("auth request failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

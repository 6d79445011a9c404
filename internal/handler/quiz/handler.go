// Package quiz exposes persona quizzes over HTTP.
package quiz

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	chatHandler "github.com/zhouzirui/greenbot/backend/internal/handler/chat"
	"github.com/zhouzirui/greenbot/backend/internal/middleware"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	chatService "github.com/zhouzirui/greenbot/backend/internal/service/chat"
	quizService "github.com/zhouzirui/greenbot/backend/internal/service/quiz"
	"github.com/zhouzirui/greenbot/backend/pkg/utils"
)

var log = logrus.WithField("component", "quiz-handler")

// Handler 测验路由
type Handler struct {
	quizzes  *quizService.Service
	registry *chatService.Registry
}

// New creates the quiz handler.
func New(quizzes *quizService.Service, registry *chatService.Registry) *Handler {
	return &Handler{quizzes: quizzes, registry: registry}
}

// RegisterRoutes 注册测验路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/quiz", func(r chi.Router) {
		r.Post("/", h.handleStart)
		r.Get("/history", h.handleHistory)
		r.Post("/{sessionID}/answers", h.handleAnswer)
		r.Post("/{sessionID}/complete", h.handleComplete)
	})
}

func owner(r *http.Request) quizService.Owner {
	ctx := r.Context()
	return quizService.Owner{ClientID: middleware.ClientIDFrom(ctx), UserID: middleware.UserIDFrom(ctx)}
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	personaID := persona.ID(payload.PersonaID)
	if personaID == "" {
		// quiz the persona of the open conversation
		ctx := r.Context()
		ctrl, err := h.registry.Acquire(ctx, middleware.ClientIDFrom(ctx), middleware.UserIDFrom(ctx))
		if err != nil {
			chatHandler.RespondControllerError(w, err)
			return
		}
		personaID = ctrl.Snapshot().Persona
	}

	session, err := h.quizzes.Start(r.Context(), owner(r), personaID)
	if err != nil {
		respondQuizError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		QuestionID string `json:"questionId"`
		Selected   *int   `json:"selected"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.QuestionID == "" || payload.Selected == nil {
		utils.RespondError(w, http.StatusBadRequest, "questionId and selected are required")
		return
	}

	answer, err := h.quizzes.Answer(r.Context(), owner(r), chi.URLParam(r, "sessionID"), payload.QuestionID, *payload.Selected)
	if err != nil {
		respondQuizError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, answer)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	o := owner(r)
	result, err := h.quizzes.Complete(r.Context(), o, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondQuizError(w, err)
		return
	}

	ctrl, err := h.registry.Acquire(r.Context(), o.ClientID, o.UserID)
	if err != nil {
		chatHandler.RespondControllerError(w, err)
		return
	}
	msg, err := ctrl.CompleteQuiz(r.Context(), result.Score, result.Total)
	if err != nil {
		chatHandler.RespondControllerError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"result":  result,
		"message": msg,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.quizzes.History(r.Context(), middleware.UserIDFrom(r.Context()))
	if err != nil {
		respondQuizError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, history)
}

func respondQuizError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quizService.ErrNoQuestions), errors.Is(err, quizService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, quizService.ErrUnknownQuestion), errors.Is(err, quizService.ErrInvalidOption):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, quizService.ErrAlreadyAnswered):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, quizService.ErrNotAuthenticated):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	default:
		log.WithError(err).Error("quiz request failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

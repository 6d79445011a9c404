package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/greenbot/backend/internal/handler/auth"
	"github.com/zhouzirui/greenbot/backend/internal/handler/chat"
	"github.com/zhouzirui/greenbot/backend/internal/handler/events"
	"github.com/zhouzirui/greenbot/backend/internal/handler/persona"
	"github.com/zhouzirui/greenbot/backend/internal/handler/quiz"
	"github.com/zhouzirui/greenbot/backend/internal/handler/settings"
	middlewarePkg "github.com/zhouzirui/greenbot/backend/internal/middleware"
	personaModel "github.com/zhouzirui/greenbot/backend/internal/model/persona"
	authService "github.com/zhouzirui/greenbot/backend/internal/service/auth"
	chatService "github.com/zhouzirui/greenbot/backend/internal/service/chat"
	quizService "github.com/zhouzirui/greenbot/backend/internal/service/quiz"
	"github.com/zhouzirui/greenbot/backend/pkg/utils"
)

// Services are the collaborators the routes need. Auth is nil when no
// database is configured; the auth routes are then not mounted.
type Services struct {
	Personas personaModel.Store
	Registry *chatService.Registry
	Auth     *authService.Service
	Quizzes  *quizService.Service
	Limiter  *middlewarePkg.RateLimiter
	Provider string
	// AllowedOrigins restricts browser origins; empty allows any for CORS
	// and only same-origin websocket upgrades.
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(svc.AllowedOrigins))

	var resolver middlewarePkg.TokenResolver
	if svc.Auth != nil {
		resolver = svc.Auth
	}

	var limit func(http.Handler) http.Handler
	if svc.Limiter != nil {
		limit = svc.Limiter.Middleware
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": svc.Registry.Len(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		persona.New(svc.Personas).RegisterRoutes(api)

		api.Group(func(client chi.Router) {
			client.Use(middlewarePkg.ClientID)
			client.Use(middlewarePkg.Auth(resolver))

			chat.New(svc.Registry, limit).RegisterRoutes(client)
			settings.New(svc.Registry, svc.Provider).RegisterRoutes(client)
			events.New(svc.Registry, svc.AllowedOrigins).RegisterRoutes(client)
			if svc.Quizzes != nil {
				quiz.New(svc.Quizzes, svc.Registry).RegisterRoutes(client)
			}
			if svc.Auth != nil {
				auth.New(svc.Auth, svc.Registry).RegisterRoutes(client)
			}
		})
	})

	return r
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/greenbot/backend/internal/store/remote"
	"github.com/zhouzirui/greenbot/backend/pkg/utils"
)

const (
	// ClientHeader carries the browser's client id.
	ClientHeader = "X-Client-ID"
	// ClientCookie is used when the header is absent.
	ClientCookie = "greenbot_client"
)

var log = logrus.WithField("component", "middleware")

type contextKey int

const (
	clientIDKey contextKey = iota
	userIDKey
	tokenKey
)

// ClientID attaches the caller's client id to the request context. Callers
// without one get a fresh id, returned in both the header and a cookie.
func ClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ClientHeader))
		if id == "" {
			if c, err := r.Cookie(ClientCookie); err == nil {
				id = strings.TrimSpace(c.Value)
			}
		}
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     ClientCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Expires:  time.Now().Add(365 * 24 * time.Hour),
			})
		}
		w.Header().Set(ClientHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIDKey, id)))
	})
}

// ClientIDFrom returns the id set by ClientID.
func ClientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

// TokenResolver maps a bearer token to its user.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (remote.User, error)
}

// Auth resolves an optional bearer token. Requests without one stay anonymous;
// an invalid token is rejected with 401.
func Auth(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if resolver == nil {
				utils.RespondError(w, http.StatusUnauthorized, "authentication is not configured")
				return
			}

			user, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.WithError(err).Debug("rejected bearer token")
				}
				utils.RespondError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, user.ID)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFrom returns the authenticated user id, or "" for anonymous requests.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// TokenFrom returns the bearer token accepted by Auth.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		// EventSource and websocket clients cannot set headers.
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, true
		}
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

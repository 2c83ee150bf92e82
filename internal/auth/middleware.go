package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"penlet-backend/internal/observability"
)

type contextKey struct{}

var userContextKey contextKey

// UserFromContext returns the authenticated user attached by RequireUser.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey).(User)
	return user, ok
}

// Middleware guards routes that need an authenticated caller.
type Middleware struct {
	service *Service
	logger  *observability.Logger
}

func NewMiddleware(service *Service, logger *observability.Logger) *Middleware {
	return &Middleware{service: service, logger: logger}
}

// RequireUser resolves the bearer token, loads and checks the account, and
// stores it in the request context for downstream handlers.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		user, err := m.service.CurrentUser(r.Context(), token)
		if err != nil {
			m.rejectUnauthenticated(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

// RequireRoles builds on RequireUser and additionally demands a verified
// account holding one of the given roles.
func (m *Middleware) RequireRoles(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _ := UserFromContext(r.Context())

			if !user.IsVerified {
				writeError(w, http.StatusForbidden, "email not verified")
				return
			}
			if !user.Role.In(roles...) {
				m.logger.Warn("access_denied", map[string]any{
					"user_id": user.ID,
					"role":    string(user.Role),
					"path":    r.URL.Path,
				})
				writeError(w, http.StatusForbidden, "not enough permissions")
				return
			}

			next.ServeHTTP(w, r)
		}))
	}
}

func (m *Middleware) rejectUnauthenticated(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", "Bearer")

	var locked LockedError
	switch {
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "user not found")
	case errors.Is(err, ErrAccountDisabled):
		writeError(w, http.StatusUnauthorized, "user account is disabled")
	case errors.As(err, &locked):
		writeError(w, http.StatusUnauthorized, "account is temporarily locked")
	default:
		sentry.CaptureException(err)
		m.logger.Error("current_user_failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "could not validate credentials")
	}
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

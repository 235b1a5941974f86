package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dom/chat-relay/internal/api/respond"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/service"
	"github.com/google/uuid"
)

type contextKey string

const (
	UserIDKey contextKey = "userID"
	ClaimsKey contextKey = "claims"
)

// AccessTokenCookie holds the access token for browser clients.
const AccessTokenCookie = "access_token"

// Auth verifies the access token from the Authorization header or the
// access token cookie and stores the claims in the request context.
func Auth(tokens *service.TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, false)
			if token == "" {
				respond.Error(w, r, logger, domain.ErrAuthFailure, false)
				return
			}

			claims, err := tokens.VerifyAccess(token)
			if err != nil {
				logger.Debug("access token rejected", "kind", string(domain.KindOf(err)))
				respond.Error(w, r, logger, err, false)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromRequest returns the bearer token, else the access token cookie,
// else, when allowQuery is set, the token query parameter.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	if cookie, err := r.Cookie(AccessTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}

func GetClaims(ctx context.Context) (*domain.AccessClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*domain.AccessClaims)
	return claims, ok
}

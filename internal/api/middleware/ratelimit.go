package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/dom/chat-relay/internal/api/respond"
	"github.com/dom/chat-relay/internal/ratelimit"
)

// RateLimit rejects requests over the limiter's window before any other
// handler runs. Install it after TrustedRealIP.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			decision := limiter.Check(key)
			if !decision.Allowed {
				logger.Warn("rate limit exceeded", "client", key, "path", r.URL.Path)
				respond.Error(w, r, logger, limiter.Denied(decision), false)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.MaxRequests()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey returns the client address a request is limited under.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package respond writes JSON responses and maps domain errors to HTTP.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
)

type ErrorResponse struct {
	Kind        domain.ErrorKind `json:"kind"`
	Message     string           `json:"message"`
	WindowMs    int64            `json:"windowMs,omitempty"`
	MaxRequests int              `json:"maxRequests,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindDuplicateIdentity:
		return http.StatusConflict
	case domain.KindMissingCredentials, domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindInvalidCredentials, domain.KindAuthFailure,
		domain.KindTokenExpired, domain.KindInvalidSignature,
		domain.KindMalformedToken, domain.KindTokenReused:
		return http.StatusUnauthorized
	case domain.KindNotAMember:
		return http.StatusForbidden
	case domain.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err as an ErrorResponse. Internal errors are logged with the
// request id and only described to the client when diagnostic is set.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, diagnostic bool) {
	kind := domain.KindOf(err)
	resp := ErrorResponse{
		Kind:    kind,
		Message: domain.PublicMessage(err, diagnostic),
	}

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		resp.WindowMs = rl.Window.Milliseconds()
		resp.MaxRequests = rl.MaxRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	if kind == domain.KindInternal && logger != nil {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
	}

	JSON(w, StatusFor(kind), resp)
}

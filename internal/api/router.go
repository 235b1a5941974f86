package api

import (
	"log/slog"
	"net/http"

	"github.com/dom/chat-relay/internal/api/handlers"
	"github.com/dom/chat-relay/internal/api/middleware"
	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/ratelimit"
	"github.com/dom/chat-relay/internal/service"
	"github.com/dom/chat-relay/internal/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the components the HTTP surface is built from.
type Dependencies struct {
	Services *service.Services
	Registry *websocket.Registry
	Router   *websocket.Router
	Limiter  *ratelimit.Limiter
	Gatherer prometheus.Gatherer
	Config   *config.Config
	Logger   *slog.Logger
}

func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Load already validated the list; a parse failure here falls back to
	// socket addresses only.
	trustedProxies, err := deps.Config.TrustedProxyPrefixes()
	if err != nil {
		deps.Logger.Error("ignoring trusted proxies", "error", err)
		trustedProxies = nil
	}

	// Global middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.TrustedRealIP(trustedProxies))
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(deps.Services.Auth, deps.Config, deps.Logger)
	conversationHandler := handlers.NewConversationHandler(deps.Services.Conversation, deps.Router, deps.Config, deps.Logger)
	wsHandler := handlers.NewWebSocketHandler(deps.Services.Tokens, deps.Registry, deps.Router, deps.Limiter, deps.Config, deps.Logger)

	requireAuth := middleware.Auth(deps.Services.Tokens, deps.Logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Every API call is counted before auth or any handler runs.
		r.Use(middleware.RateLimit(deps.Limiter, deps.Logger))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", authHandler.SignUp)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)

			r.With(requireAuth).Get("/me", authHandler.Me)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", conversationHandler.Create)
				r.Get("/", conversationHandler.List)
				r.Get("/{id}/messages", conversationHandler.History)
				r.Post("/{id}/messages", conversationHandler.PostMessage)
			})
		})

		// WebSocket endpoint
		r.Get("/ws", wsHandler.Handle)
	})

	return r
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dom/chat-relay/internal/api/middleware"
	"github.com/dom/chat-relay/internal/api/respond"
	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/ratelimit"
	"github.com/dom/chat-relay/internal/service"
	"github.com/dom/chat-relay/internal/websocket"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	upgrader ws.Upgrader
	tokens   *service.TokenService
	registry *websocket.Registry
	router   *websocket.Router
	limiter  *ratelimit.Limiter
	cfg      *config.Config
	logger   *slog.Logger
}

func NewWebSocketHandler(tokens *service.TokenService, registry *websocket.Registry, router *websocket.Router, limiter *ratelimit.Limiter, cfg *config.Config, logger *slog.Logger) *WebSocketHandler {
	upgrader := ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if !cfg.IsProduction() {
		// Allow all origins for development
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	return &WebSocketHandler{
		upgrader: upgrader,
		tokens:   tokens,
		registry: registry,
		router:   router,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle authenticates the handshake before upgrading. Connections without a
// valid access token are refused with AUTH_FAILURE and never registered.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r, true)
	if token == "" {
		respond.Error(w, r, h.logger, domain.ErrAuthFailure, false)
		return
	}

	claims, err := h.tokens.VerifyAccess(token)
	if err != nil {
		h.logger.Debug("websocket handshake rejected", "kind", string(domain.KindOf(err)))
		respond.Error(w, r, h.logger, domain.ErrAuthFailure, false)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientKey := middleware.ClientKey(r)
	session, err := h.registry.Connect(claims.UserID, clientKey)
	if err != nil {
		conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}

	client := websocket.NewClient(conn, session, websocket.ClientConfig{
		Registry:   h.registry,
		Router:     h.router,
		Logger:     h.logger,
		Limiter:    h.limiter,
		ClientKey:  clientKey,
		Diagnostic: h.cfg.ShowDiagnostics(),
	})

	go client.WritePump()
	go client.ReadPump(context.WithoutCancel(r.Context()))
}

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dom/chat-relay/internal/api/middleware"
	"github.com/dom/chat-relay/internal/api/respond"
	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/service"
	"github.com/dom/chat-relay/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type ConversationHandler struct {
	conversationService *service.ConversationService
	router              *websocket.Router
	cfg                 *config.Config
	logger              *slog.Logger
}

func NewConversationHandler(conversationService *service.ConversationService, router *websocket.Router, cfg *config.Config, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		router:              router,
		cfg:                 cfg,
		logger:              logger,
	}
}

type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,max=100,dive,uuid"`
}

type PostMessageRequest struct {
	Body string `json:"body" validate:"required,min=1,max=4000"`
}

type ConversationResponse struct {
	ID             string   `json:"id"`
	CreatedBy      string   `json:"createdBy"`
	CreatedAt      string   `json:"createdAt"`
	ParticipantIDs []string `json:"participantIds"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrAuthFailure)
		return
	}

	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	conversation, err := h.conversationService.Create(r.Context(), service.CreateConversationInput{
		CreatedBy:      userID,
		ParticipantIDs: lo.Map(req.ParticipantIDs, func(id string, _ int) uuid.UUID { return uuid.MustParse(id) }),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, toConversationResponse(conversation))
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrAuthFailure)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	conversations, err := h.conversationService.ListForUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, lo.Map(conversations, func(c *domain.Conversation, _ int) ConversationResponse {
		return toConversationResponse(c)
	}))
}

// History returns messages after the optional "after" cursor, used by
// clients to resynchronise.
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrAuthFailure)
		return
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, domain.NewInvalidRequest("invalid conversation id"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := h.conversationService.History(r.Context(), userID, conversationID, r.URL.Query().Get("after"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, messages)
}

// PostMessage routes a message sent over HTTP. The sender does not need an
// open socket.
func (h *ConversationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrAuthFailure)
		return
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, domain.NewInvalidRequest("invalid conversation id"))
		return
	}

	var req PostMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	message, err := h.router.Route(r.Context(), domain.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       userID,
		Body:           req.Body,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, message)
}

func (h *ConversationHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	respond.Error(w, r, h.logger, err, h.cfg.ShowDiagnostics())
}

func toConversationResponse(c *domain.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             c.ID.String(),
		CreatedBy:      c.CreatedBy.String(),
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
		ParticipantIDs: lo.Map(c.ParticipantIDs(), func(id uuid.UUID, _ int) string { return id.String() }),
	}
}

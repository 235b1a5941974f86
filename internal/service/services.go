package service

import (
	"log/slog"

	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/repository"
)

type Services struct {
	Auth         *AuthService
	Tokens       *TokenService
	Conversation *ConversationService
}

func NewServices(repos *repository.Repositories, cfg *config.Config, logger *slog.Logger) *Services {
	audit := NewAuditLogger(repos.Audit, logger, cfg.DatastoreTimeout)
	tokens := NewTokenService(cfg, repos.RefreshToken, audit, logger)
	hasher := NewPasswordHasher(cfg.BcryptCost)

	return &Services{
		Auth:         NewAuthService(repos.User, tokens, hasher, audit, logger, cfg),
		Tokens:       tokens,
		Conversation: NewConversationService(repos.Conversation, repos.Message, repos.User, cfg),
	}
}

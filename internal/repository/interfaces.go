package repository

import (
	"context"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/google/uuid"
)

type UserRepository interface {
	// Create returns domain.ErrEmailTaken or domain.ErrUsernameTaken when a
	// unique index rejects the row.
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	// GetByIdentifier matches either the email or the username.
	GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
}

// RefreshTokenRepository is the revocation store for refresh token lineages.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *domain.RefreshToken) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RefreshToken, error)
	// Rotate marks an active token consumed and stores its successor in one
	// transaction. It reports false, storing nothing, when the token was
	// already consumed or revoked. On error neither write is kept.
	Rotate(ctx context.Context, id uuid.UUID, at time.Time, next *domain.RefreshToken) (bool, error)
	// RevokeFamily revokes every token of a lineage that is not yet revoked.
	RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string, at time.Time) error
	// MarkReuse stamps the token that was presented a second time.
	MarkReuse(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ConversationRepository interface {
	Create(ctx context.Context, conversation *domain.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error)
	// ParticipantIDs returns gorm.ErrRecordNotFound for unknown conversations.
	ParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

type MessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	// ListByConversation returns messages in (sent_at, id) order, starting
	// after afterID when it is non-empty.
	ListByConversation(ctx context.Context, conversationID uuid.UUID, afterID string, limit int) ([]*domain.Message, error)
	// LatestSentAt returns the zero time for an empty conversation.
	LatestSentAt(ctx context.Context, conversationID uuid.UUID) (time.Time, error)
}

type AuditRepository interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
}

type Repositories struct {
	User         UserRepository
	RefreshToken RefreshTokenRepository
	Conversation ConversationRepository
	Message      MessageRepository
	Audit        AuditRepository
}

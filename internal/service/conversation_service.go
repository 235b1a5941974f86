package service

import (
	"context"
	"errors"
	"time"

	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/repository"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"gorm.io/gorm"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

type ConversationService struct {
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	userRepo         repository.UserRepository
	cfg              *config.Config
}

func NewConversationService(conversationRepo repository.ConversationRepository, messageRepo repository.MessageRepository, userRepo repository.UserRepository, cfg *config.Config) *ConversationService {
	return &ConversationService{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		userRepo:         userRepo,
		cfg:              cfg,
	}
}

type CreateConversationInput struct {
	CreatedBy      uuid.UUID
	ParticipantIDs []uuid.UUID
}

// Create stores a conversation whose participant set is the creator plus the
// distinct requested users. Every participant must exist.
func (s *ConversationService) Create(ctx context.Context, input CreateConversationInput) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DatastoreTimeout)
	defer cancel()

	ids := lo.Uniq(append([]uuid.UUID{input.CreatedBy}, input.ParticipantIDs...))
	ids = lo.Reject(ids, func(id uuid.UUID, _ int) bool { return id == uuid.Nil })
	if len(ids) < 2 {
		return nil, domain.NewInvalidRequest("a conversation needs at least one other participant")
	}

	for _, id := range ids[1:] {
		if _, err := s.userRepo.GetByID(ctx, id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, domain.NewInvalidRequest("unknown participant " + id.String())
			}
			return nil, oops.In("conversation").Code("USER_LOOKUP_FAILED").With("user_id", id.String()).Wrap(err)
		}
	}

	now := time.Now().UTC()
	conversation := &domain.Conversation{
		ID:        uuid.New(),
		CreatedBy: input.CreatedBy,
		CreatedAt: now,
	}
	conversation.Participants = lo.Map(ids, func(id uuid.UUID, _ int) domain.ConversationParticipant {
		return domain.ConversationParticipant{ConversationID: conversation.ID, UserID: id, AddedAt: now}
	})

	if err := s.conversationRepo.Create(ctx, conversation); err != nil {
		return nil, oops.In("conversation").Code("CONVERSATION_CREATE_FAILED").Wrap(err)
	}
	return conversation, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DatastoreTimeout)
	defer cancel()

	conversations, err := s.conversationRepo.ListByUser(ctx, userID, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, oops.In("conversation").Code("CONVERSATION_LIST_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return conversations, nil
}

// History returns the messages of a conversation after the cursor message id,
// in delivery order. Clients use it to resynchronise after missing frames.
func (s *ConversationService) History(ctx context.Context, userID, conversationID uuid.UUID, afterID string, limit int) ([]*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DatastoreTimeout)
	defer cancel()

	member, err := s.conversationRepo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, oops.In("conversation").Code("MEMBERSHIP_LOOKUP_FAILED").With("conversation_id", conversationID.String()).Wrap(err)
	}
	if !member {
		return nil, domain.ErrNotAMember
	}

	messages, err := s.messageRepo.ListByConversation(ctx, conversationID, afterID, clampLimit(limit))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewInvalidRequest("unknown cursor message")
		}
		return nil, oops.In("conversation").Code("HISTORY_LOAD_FAILED").With("conversation_id", conversationID.String()).Wrap(err)
	}
	return messages, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}

package postgres

import (
	"context"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *messageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, message *domain.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, afterID string, limit int) ([]*domain.Message, error) {
	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)

	if afterID != "" {
		var cursor domain.Message
		err := r.db.WithContext(ctx).
			First(&cursor, "id = ? AND conversation_id = ?", afterID, conversationID).Error
		if err != nil {
			return nil, err
		}
		query = query.Where("(sent_at, id) > (?, ?)", cursor.SentAt, cursor.ID)
	}

	var messages []*domain.Message
	err := query.
		Order("sent_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *messageRepository) LatestSentAt(ctx context.Context, conversationID uuid.UUID) (time.Time, error) {
	var messages []domain.Message
	err := r.db.WithContext(ctx).
		Select("sent_at").
		Where("conversation_id = ?", conversationID).
		Order("sent_at DESC").
		Limit(1).
		Find(&messages).Error
	if err != nil || len(messages) == 0 {
		return time.Time{}, err
	}
	return messages[0].SentAt, nil
}

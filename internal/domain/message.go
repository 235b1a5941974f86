package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is immutable once persisted. Within a conversation messages are
// ordered by (SentAt, ID).
type Message struct {
	ID             string    `json:"id" gorm:"type:char(26);primary_key"`
	ConversationID uuid.UUID `json:"conversationId" gorm:"type:uuid;not null;index:idx_messages_order,priority:1"`
	SenderID       uuid.UUID `json:"senderId" gorm:"type:uuid;not null"`
	Body           string    `json:"body" gorm:"not null"`
	SentAt         time.Time `json:"sentAt" gorm:"not null;index:idx_messages_order,priority:2"`
}

// OutboundMessage is a message submitted for routing, before it has an id.
type OutboundMessage struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Body           string
}

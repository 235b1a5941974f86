package domain

import (
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedBy uuid.UUID `json:"createdBy" gorm:"type:uuid;not null"`
	CreatedAt time.Time `json:"createdAt"`

	// Relations
	Participants []ConversationParticipant `json:"participants" gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// ConversationParticipant is one row of a conversation's participant set.
type ConversationParticipant struct {
	ConversationID uuid.UUID `json:"conversationId" gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `json:"userId" gorm:"type:uuid;primaryKey;index"`
	AddedAt        time.Time `json:"addedAt"`
}

// ParticipantIDs returns the user ids of the conversation's participants.
func (c *Conversation) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// HasParticipant reports whether userID is in the participant set.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

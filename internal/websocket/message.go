package websocket

import (
	"encoding/json"
	"time"

	"github.com/dom/chat-relay/internal/domain"
)

type MessageType string

const (
	// Client to Server
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
	MessageTypeSend  MessageType = "SEND"

	// Server to Client
	MessageTypeJoined   MessageType = "JOINED"
	MessageTypeMessage  MessageType = "MESSAGE"
	MessageTypeSent     MessageType = "SENT"
	MessageTypePresence MessageType = "PRESENCE"
	MessageTypeError    MessageType = "ERROR"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func NewMessage(msgType MessageType, payload any) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// encodeFrame marshals an envelope ready to be written to a connection.
func encodeFrame(msgType MessageType, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Client to Server payloads

type JoinPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type LeavePayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type SendPayload struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	Body           string `json:"body" validate:"required,min=1,max=4000"`
	ClientRef      string `json:"clientRef,omitempty" validate:"max=64"`
}

// Server to Client payloads

type JoinedPayload struct {
	ConversationID string `json:"conversationId"`
}

type MessagePayload struct {
	Message *domain.Message `json:"message"`
}

type SentPayload struct {
	ClientRef string `json:"clientRef,omitempty"`
	MessageID string `json:"messageId"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type ErrorPayload struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// UserBuilder creates test users with a builder pattern
type UserBuilder struct {
	username string
	email    string
	password string
	role     domain.Role
}

// NewUserBuilder creates a new UserBuilder with unique default values
func NewUserBuilder() *UserBuilder {
	suffix := uuid.New().String()[:8]
	return &UserBuilder{
		username: "user" + suffix,
		email:    fmt.Sprintf("user%s@example.com", suffix),
		password: "testpassword123",
		role:     domain.RoleUser,
	}
}

// WithUsername sets the username
func (b *UserBuilder) WithUsername(username string) *UserBuilder {
	b.username = username
	return b
}

// WithEmail sets the email
func (b *UserBuilder) WithEmail(email string) *UserBuilder {
	b.email = email
	return b
}

// WithPassword sets the password
func (b *UserBuilder) WithPassword(password string) *UserBuilder {
	b.password = password
	return b
}

// WithRole sets the role
func (b *UserBuilder) WithRole(role domain.Role) *UserBuilder {
	b.role = role
	return b
}

// Build creates the user in the database and returns the user with the raw password
func (b *UserBuilder) Build(t *testing.T, db *gorm.DB) (*domain.User, string) {
	t.Helper()

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(b.password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	user := &domain.User{
		ID:           uuid.New(),
		Username:     b.username,
		Email:        b.email,
		PasswordHash: string(hashedPassword),
		AvatarRef:    "avatars/01.png",
		Role:         b.role,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	return user, b.password
}

// AuthResponse matches the API auth response
type AuthResponse struct {
	User             domain.PublicUser `json:"user"`
	AccessToken      string            `json:"accessToken"`
	RefreshToken     string            `json:"refreshToken"`
	AccessExpiresAt  time.Time         `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time         `json:"refreshExpiresAt"`
}

// SignUp creates the user through the API and returns the auth response
func (b *UserBuilder) SignUp(t *testing.T, ts *TestServer) *AuthResponse {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"username": b.username,
		"email":    b.email,
		"password": b.password,
	})

	resp, err := http.Post(ts.APIURL("/auth/signup"), "application/json", bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("failed to sign up user: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}

	var authResp AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	return &authResp
}

// ConversationBuilder creates test conversations with a builder pattern
type ConversationBuilder struct {
	creator      uuid.UUID
	participants []uuid.UUID
}

// NewConversationBuilder creates a conversation owned by creator
func NewConversationBuilder(creator uuid.UUID) *ConversationBuilder {
	return &ConversationBuilder{creator: creator}
}

// WithParticipants adds participants besides the creator
func (b *ConversationBuilder) WithParticipants(ids ...uuid.UUID) *ConversationBuilder {
	b.participants = append(b.participants, ids...)
	return b
}

// Build creates the conversation in the database
func (b *ConversationBuilder) Build(t *testing.T, db *gorm.DB) *domain.Conversation {
	t.Helper()

	now := time.Now().UTC()
	conversation := &domain.Conversation{
		ID:        uuid.New(),
		CreatedBy: b.creator,
		CreatedAt: now,
	}
	for _, id := range append([]uuid.UUID{b.creator}, b.participants...) {
		conversation.Participants = append(conversation.Participants, domain.ConversationParticipant{
			ConversationID: conversation.ID,
			UserID:         id,
			AddedAt:        now,
		})
	}

	if err := db.Create(conversation).Error; err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	return conversation
}

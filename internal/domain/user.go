package domain

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Username     string    `json:"username" gorm:"uniqueIndex:idx_users_username;not null"`
	Email        string    `json:"email" gorm:"uniqueIndex:idx_users_email;not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	AvatarRef    string    `json:"avatarRef" gorm:"not null"`
	Role         Role      `json:"role" gorm:"not null;default:'user'"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublicUser is the user shape returned to callers. It has no password digest.
type PublicUser struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	AvatarRef string    `json:"avatarRef"`
	Role      Role      `json:"role"`
}

func (u *User) Public() *PublicUser {
	return &PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		AvatarRef: u.AvatarRef,
		Role:      u.Role,
	}
}

// RefreshToken is the server-side record of one issued refresh token.
// Tokens rotated from the same login share a FamilyID.
type RefreshToken struct {
	ID              uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	FamilyID        uuid.UUID  `json:"familyId" gorm:"type:uuid;not null;index"`
	ParentID        *uuid.UUID `json:"parentId" gorm:"type:uuid"`
	UserID          uuid.UUID  `json:"userId" gorm:"type:uuid;not null;index"`
	ExpiresAt       time.Time  `json:"expiresAt" gorm:"not null"`
	ConsumedAt      *time.Time `json:"consumedAt"`
	RevokedAt       *time.Time `json:"revokedAt"`
	RevokedReason   *string    `json:"revokedReason"`
	ReuseDetectedAt *time.Time `json:"reuseDetectedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Active reports whether the token can still be rotated.
func (t *RefreshToken) Active() bool {
	return t.ConsumedAt == nil && t.RevokedAt == nil
}

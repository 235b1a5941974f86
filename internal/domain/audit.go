package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AuditAction string

const (
	AuditUserSignup  AuditAction = "user.signup"
	AuditLogin       AuditAction = "auth.login"
	AuditLoginFailed AuditAction = "auth.login_failed"
	AuditLogout      AuditAction = "auth.logout"
	AuditTokenReuse  AuditAction = "token.reuse_detected"
)

// AuditEvent records a security-relevant action. Details never hold
// plaintext credentials.
type AuditEvent struct {
	ID        uuid.UUID         `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID    *uuid.UUID        `json:"userId" gorm:"type:uuid;index"`
	Action    AuditAction       `json:"action" gorm:"not null;index"`
	Details   datatypes.JSONMap `json:"details" gorm:"type:jsonb"`
	CreatedAt time.Time         `json:"createdAt"`
}

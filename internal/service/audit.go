package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/repository"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AuditLogger persists security events. Recording is best-effort: failures
// are logged and never reach the caller. A nil *AuditLogger records nothing.
type AuditLogger struct {
	repo    repository.AuditRepository
	logger  *slog.Logger
	timeout time.Duration
}

func NewAuditLogger(repo repository.AuditRepository, logger *slog.Logger, timeout time.Duration) *AuditLogger {
	return &AuditLogger{repo: repo, logger: logger, timeout: timeout}
}

func (a *AuditLogger) Record(ctx context.Context, userID *uuid.UUID, action domain.AuditAction, details map[string]any) {
	if a == nil || a.repo == nil {
		return
	}

	// The event outlives a cancelled request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	event := &domain.AuditEvent{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		Details:   datatypes.JSONMap(details),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.repo.Create(ctx, event); err != nil {
		a.logger.Warn("failed to record audit event",
			"action", string(action),
			"error", err)
	}
}

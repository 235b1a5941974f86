package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/repository"
	"github.com/google/uuid"
	"github.com/samber/oops"
	"gorm.io/gorm"
)

// avatarPoolSize is the number of default avatars shipped with the client.
const avatarPoolSize = 12

type AuthService struct {
	userRepo repository.UserRepository
	tokens   *TokenService
	hasher   *PasswordHasher
	audit    *AuditLogger
	logger   *slog.Logger
	cfg      *config.Config
}

func NewAuthService(userRepo repository.UserRepository, tokens *TokenService, hasher *PasswordHasher, audit *AuditLogger, logger *slog.Logger, cfg *config.Config) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		tokens:   tokens,
		hasher:   hasher,
		audit:    audit,
		logger:   logger,
		cfg:      cfg,
	}
}

type SignUpInput struct {
	Username string
	Email    string
	Password string
}

type LoginInput struct {
	Identifier string
	Password   string
}

type AuthResult struct {
	User   *domain.PublicUser
	Tokens *domain.TokenPair
}

func (s *AuthService) SignUp(ctx context.Context, input SignUpInput) (*AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	username := strings.TrimSpace(input.Username)

	if err := s.checkAvailable(ctx, email, username); err != nil {
		return nil, err
	}

	// Hash outside of any datastore deadline.
	hashedPassword, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, oops.In("auth").Code("PASSWORD_HASH_FAILED").Wrap(err)
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hashedPassword,
		AvatarRef:    DefaultAvatar(username),
		Role:         domain.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.userRepo.Create(ctx, user)
	}); err != nil {
		if domain.KindOf(err) == domain.KindDuplicateIdentity {
			return nil, err
		}
		return nil, oops.In("auth").Code("USER_CREATE_FAILED").Wrap(err)
	}

	tokens, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &user.ID, domain.AuditUserSignup, map[string]any{"username": user.Username})

	return &AuthResult{User: user.Public(), Tokens: tokens}, nil
}

// checkAvailable runs the email and username checks independently so each
// collision is reported with its own message.
func (s *AuthService) checkAvailable(ctx context.Context, email, username string) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		if _, err := s.userRepo.GetByEmail(ctx, email); err == nil {
			return domain.ErrEmailTaken
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return oops.In("auth").Code("USER_LOOKUP_FAILED").With("field", "email").Wrap(err)
		}

		if _, err := s.userRepo.GetByUsername(ctx, username); err == nil {
			return domain.ErrUsernameTaken
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return oops.In("auth").Code("USER_LOOKUP_FAILED").With("field", "username").Wrap(err)
		}
		return nil
	})
}

// Login resolves the identifier as an email or a username. An unknown
// identifier and a wrong password return the same error after the same
// amount of hashing work.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	identifier := strings.TrimSpace(input.Identifier)
	if identifier == "" || input.Password == "" {
		return nil, domain.ErrMissingCredentials
	}

	var user *domain.User
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var lookupErr error
		user, lookupErr = s.userRepo.GetByIdentifier(ctx, identifier)
		return lookupErr
	})
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oops.In("auth").Code("USER_LOOKUP_FAILED").Wrap(err)
		}
		s.hasher.VerifyDummy(input.Password)
		s.audit.Record(ctx, nil, domain.AuditLoginFailed, nil)
		return nil, domain.ErrInvalidCredentials
	}

	if !s.hasher.Verify(input.Password, user.PasswordHash) {
		s.audit.Record(ctx, &user.ID, domain.AuditLoginFailed, nil)
		return nil, domain.ErrInvalidCredentials
	}

	tokens, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &user.ID, domain.AuditLogin, nil)

	return &AuthResult{User: user.Public(), Tokens: tokens}, nil
}

// Refresh rotates a refresh token and returns the current user record with
// the new pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	tokens, err := s.tokens.RotateRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	claims, err := s.tokens.VerifyAccess(tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	user, err := s.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: user, Tokens: tokens}, nil
}

// Logout revokes the lineage of refreshToken when there is one. A missing or
// unusable token is not an error; only datastore failures are reported.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	err := s.tokens.Revoke(ctx, refreshToken)
	if err == nil {
		s.audit.Record(ctx, nil, domain.AuditLogout, nil)
		return nil
	}
	if domain.KindOf(err) != domain.KindInternal {
		s.logger.Debug("logout with unusable refresh token", "kind", string(domain.KindOf(err)))
		return nil
	}
	return err
}

func (s *AuthService) GetUser(ctx context.Context, id uuid.UUID) (*domain.PublicUser, error) {
	var user *domain.User
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var lookupErr error
		user, lookupErr = s.userRepo.GetByID(ctx, id)
		return lookupErr
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAuthFailure
		}
		return nil, oops.In("auth").Code("USER_LOOKUP_FAILED").With("user_id", id.String()).Wrap(err)
	}
	return user.Public(), nil
}

func (s *AuthService) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DatastoreTimeout)
	defer cancel()
	return fn(ctx)
}

// DefaultAvatar picks a stable avatar from the default pool for username.
func DefaultAvatar(username string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(username)))
	return fmt.Sprintf("avatars/%02d.png", h.Sum32()%avatarPoolSize+1)
}

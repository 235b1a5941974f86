package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	revokedReasonReuse  = "reuse_detected"
	revokedReasonLogout = "revoked"
)

type tokenClaims struct {
	jwt.RegisteredClaims
	Type   string      `json:"typ"`
	Role   domain.Role `json:"role,omitempty"`
	Family string      `json:"fam,omitempty"`
}

// TokenService issues HS256 access/refresh token pairs. Access tokens are
// verified without touching the datastore; every refresh token is recorded
// so its lineage can be rotated and revoked.
type TokenService struct {
	repo       repository.RefreshTokenRepository
	audit      *AuditLogger
	logger     *slog.Logger
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	timeout    time.Duration
	now        func() time.Time

	parser        *jwt.Parser
	lenientParser *jwt.Parser
}

type TokenOption func(*TokenService)

// WithTokenClock replaces the clock used for issuing and validating tokens.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

func NewTokenService(cfg *config.Config, repo repository.RefreshTokenRepository, audit *AuditLogger, logger *slog.Logger, opts ...TokenOption) *TokenService {
	s := &TokenService{
		repo:       repo,
		audit:      audit,
		logger:     logger,
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		timeout:    cfg.DatastoreTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	// Signature-only parsing, for revoking tokens that already expired.
	s.lenientParser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return s
}

// Issue starts a new refresh lineage for user.
func (s *TokenService) Issue(ctx context.Context, user *domain.User) (*domain.TokenPair, error) {
	pair, record, err := s.newPair(user.ID, user.Role, uuid.New(), nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Create(ctx, record); err != nil {
		return nil, oops.In("token").Code("REFRESH_STORE_FAILED").
			With("user_id", user.ID.String()).
			Wrap(err)
	}
	return pair, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(token string) (*domain.AccessClaims, error) {
	claims, err := s.parse(s.parser, token)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenTypeAccess {
		return nil, domain.ErrMalformedToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, domain.ErrMalformedToken
	}

	result := &domain.AccessClaims{
		UserID:    userID,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	return result, nil
}

// RotateRefresh consumes a refresh token and issues its successor in the same
// lineage. Presenting a token that was already consumed or revoked revokes the
// whole lineage and fails with domain.ErrTokenReused.
func (s *TokenService) RotateRefresh(ctx context.Context, token string) (*domain.TokenPair, error) {
	claims, err := s.parse(s.parser, token)
	if err != nil {
		return nil, err
	}
	tokenID, familyID, userID, err := refreshIdentity(claims)
	if err != nil {
		return nil, err
	}

	pair, next, err := s.newPair(userID, claims.Role, familyID, &tokenID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// A failed rotation leaves the presented token active, so a retry is not
	// mistaken for reuse.
	rotated, err := s.repo.Rotate(ctx, tokenID, s.now().UTC(), next)
	if err != nil {
		return nil, oops.In("token").Code("REFRESH_ROTATE_FAILED").
			With("token_id", tokenID.String()).
			Wrap(err)
	}
	if !rotated {
		if err := s.handleReuse(ctx, tokenID, familyID, userID); err != nil {
			return nil, err
		}
		return nil, domain.ErrTokenReused
	}
	return pair, nil
}

// Revoke ends the lineage of a refresh token. Expired tokens are accepted as
// long as the signature holds.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	claims, err := s.parse(s.lenientParser, token)
	if err != nil {
		return err
	}
	if claims.Issuer != s.issuer {
		return domain.ErrMalformedToken
	}
	_, familyID, _, err := refreshIdentity(claims)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.RevokeFamily(ctx, familyID, revokedReasonLogout, s.now().UTC()); err != nil {
		return oops.In("token").Code("REFRESH_REVOKE_FAILED").
			With("family_id", familyID.String()).
			Wrap(err)
	}
	return nil
}

func (s *TokenService) handleReuse(ctx context.Context, tokenID, familyID, userID uuid.UUID) error {
	now := s.now().UTC()

	s.logger.Warn("refresh token reuse detected, revoking lineage",
		"user_id", userID.String(),
		"family_id", familyID.String())

	if err := s.repo.RevokeFamily(ctx, familyID, revokedReasonReuse, now); err != nil {
		return oops.In("token").Code("REFRESH_REVOKE_FAILED").
			With("family_id", familyID.String()).
			Wrap(err)
	}
	if err := s.repo.MarkReuse(ctx, tokenID, now); err != nil {
		s.logger.Warn("failed to mark reused refresh token", "token_id", tokenID.String(), "error", err)
	}

	s.audit.Record(ctx, &userID, domain.AuditTokenReuse, map[string]any{
		"family_id": familyID.String(),
		"token_id":  tokenID.String(),
	})
	return nil
}

// newPair signs an access/refresh pair and returns the refresh record the
// caller must store.
func (s *TokenService) newPair(userID uuid.UUID, role domain.Role, familyID uuid.UUID, parentID *uuid.UUID) (*domain.TokenPair, *domain.RefreshToken, error) {
	now := s.now().UTC().Truncate(jwt.TimePrecision)
	accessExpiresAt := now.Add(s.accessTTL)
	refreshExpiresAt := now.Add(s.refreshTTL)
	refreshID := uuid.New()

	access, err := s.sign(tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
		},
		Type: tokenTypeAccess,
		Role: role,
	})
	if err != nil {
		return nil, nil, err
	}

	refresh, err := s.sign(tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID.String(),
			ID:        refreshID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExpiresAt),
		},
		Type:   tokenTypeRefresh,
		Role:   role,
		Family: familyID.String(),
	})
	if err != nil {
		return nil, nil, err
	}

	record := &domain.RefreshToken{
		ID:        refreshID,
		FamilyID:  familyID,
		ParentID:  parentID,
		UserID:    userID,
		ExpiresAt: refreshExpiresAt,
		CreatedAt: now,
	}
	return &domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, record, nil
}

func (s *TokenService) sign(claims tokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", oops.In("token").Code("TOKEN_SIGN_FAILED").Wrap(err)
	}
	return signed, nil
}

func (s *TokenService) parse(parser *jwt.Parser, token string) (*tokenClaims, error) {
	if token == "" {
		return nil, domain.ErrMalformedToken
	}
	claims := &tokenClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, mapTokenError(err)
	}
	return claims, nil
}

func refreshIdentity(claims *tokenClaims) (tokenID, familyID, userID uuid.UUID, err error) {
	if claims.Type != tokenTypeRefresh {
		return uuid.Nil, uuid.Nil, uuid.Nil, domain.ErrMalformedToken
	}
	if tokenID, err = uuid.Parse(claims.ID); err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, domain.ErrMalformedToken
	}
	if familyID, err = uuid.Parse(claims.Family); err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, domain.ErrMalformedToken
	}
	if userID, err = uuid.Parse(claims.Subject); err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, domain.ErrMalformedToken
	}
	return tokenID, familyID, userID, nil
}

// mapTokenError translates jwt validation failures into the token error kinds.
// The signature is checked before any claim, so a tampered token never
// reports as expired.
func mapTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return domain.ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.ErrTokenExpired
	default:
		return domain.ErrMalformedToken
	}
}

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/repository/postgres"
	"github.com/dom/chat-relay/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newUser(username, email string) *domain.User {
	return &domain.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: "hashedpassword",
		AvatarRef:    "avatars/01.png",
		Role:         domain.RoleUser,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func TestUserRepository_Create(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewUserRepository(testDB.DB)
	ctx := context.Background()

	tests := []struct {
		name    string
		user    *domain.User
		wantErr error
	}{
		{
			name: "successful creation",
			user: newUser("testuser", "testuser@example.com"),
		},
		{
			name:    "duplicate username",
			user:    newUser("testuser", "other@example.com"),
			wantErr: domain.ErrUsernameTaken,
		},
		{
			name:    "duplicate email",
			user:    newUser("otheruser", "testuser@example.com"),
			wantErr: domain.ErrEmailTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.Create(ctx, tt.user)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUserRepository_Lookups(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewUserRepository(testDB.DB)
	ctx := context.Background()

	user, _ := testutil.NewUserBuilder().
		WithUsername("lookupuser").
		WithEmail("lookup@example.com").
		Build(t, testDB.DB)

	tests := []struct {
		name    string
		lookup  func() (*domain.User, error)
		wantErr error
	}{
		{name: "by id", lookup: func() (*domain.User, error) { return repo.GetByID(ctx, user.ID) }},
		{name: "by email", lookup: func() (*domain.User, error) { return repo.GetByEmail(ctx, "lookup@example.com") }},
		{name: "by username", lookup: func() (*domain.User, error) { return repo.GetByUsername(ctx, "lookupuser") }},
		{name: "identifier as username", lookup: func() (*domain.User, error) { return repo.GetByIdentifier(ctx, "lookupuser") }},
		{name: "identifier as email", lookup: func() (*domain.User, error) { return repo.GetByIdentifier(ctx, "Lookup@Example.com") }},
		{name: "unknown id", lookup: func() (*domain.User, error) { return repo.GetByID(ctx, uuid.New()) }, wantErr: gorm.ErrRecordNotFound},
		{name: "unknown identifier", lookup: func() (*domain.User, error) { return repo.GetByIdentifier(ctx, "nobody") }, wantErr: gorm.ErrRecordNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.lookup()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, user.ID, got.ID)
		})
	}
}

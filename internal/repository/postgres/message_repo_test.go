package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/repository/postgres"
	"github.com/dom/chat-relay/internal/testutil"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMessageRepository_ListByConversation(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewMessageRepository(testDB.DB)
	ctx := context.Background()

	alice, _ := testutil.NewUserBuilder().Build(t, testDB.DB)
	bob, _ := testutil.NewUserBuilder().Build(t, testDB.DB)
	conversation := testutil.NewConversationBuilder(alice.ID).WithParticipants(bob.ID).Build(t, testDB.DB)
	otherConversation := testutil.NewConversationBuilder(bob.ID).WithParticipants(alice.ID).Build(t, testDB.DB)

	latest, err := repo.LatestSentAt(ctx, conversation.ID)
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	base := time.Now().UTC().Truncate(time.Microsecond)
	entropy := ulid.Monotonic(ulid.DefaultEntropy(), 0)
	// Two messages share a sent time; the id breaks the tie.
	offsets := []time.Duration{0, time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	var want []string
	for _, offset := range offsets {
		sentAt := base.Add(offset)
		msg := &domain.Message{
			ID:             ulid.MustNew(ulid.Timestamp(sentAt), entropy).String(),
			ConversationID: conversation.ID,
			SenderID:       alice.ID,
			Body:           "hello",
			SentAt:         sentAt,
		}
		require.NoError(t, repo.Create(ctx, msg))
		want = append(want, msg.ID)
	}
	require.NoError(t, repo.Create(ctx, &domain.Message{
		ID:             ulid.Make().String(),
		ConversationID: otherConversation.ID,
		SenderID:       bob.ID,
		Body:           "elsewhere",
		SentAt:         base,
	}))

	ids := func(messages []*domain.Message) []string {
		out := make([]string, len(messages))
		for i, m := range messages {
			out[i] = m.ID
		}
		return out
	}

	tests := []struct {
		name    string
		afterID string
		limit   int
		want    []string
		wantErr error
	}{
		{name: "all", limit: 10, want: want},
		{name: "limit", limit: 2, want: want[:2]},
		{name: "after cursor", afterID: want[0], limit: 10, want: want[1:]},
		{name: "after tied cursor", afterID: want[1], limit: 10, want: want[2:]},
		{name: "after last", afterID: want[3], limit: 10, want: []string{}},
		{name: "unknown cursor", afterID: ulid.Make().String(), limit: 10, wantErr: gorm.ErrRecordNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListByConversation(ctx, conversation.ID, tt.afterID, tt.limit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	latest, err = repo.LatestSentAt(ctx, conversation.ID)
	require.NoError(t, err)
	assert.True(t, latest.Equal(base.Add(2*time.Millisecond)))
}

func TestConversationRepository_Participants(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewConversationRepository(testDB.DB)
	ctx := context.Background()

	alice, _ := testutil.NewUserBuilder().Build(t, testDB.DB)
	bob, _ := testutil.NewUserBuilder().Build(t, testDB.DB)
	carol, _ := testutil.NewUserBuilder().Build(t, testDB.DB)
	conversation := testutil.NewConversationBuilder(alice.ID).WithParticipants(bob.ID).Build(t, testDB.DB)

	participants, err := repo.ParticipantIDs(ctx, conversation.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice.ID, bob.ID}, participants)

	_, err = repo.ParticipantIDs(ctx, uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	member, err := repo.IsParticipant(ctx, conversation.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, member)

	member, err = repo.IsParticipant(ctx, conversation.ID, carol.ID)
	require.NoError(t, err)
	assert.False(t, member)

	loaded, err := repo.GetByID(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Participants, 2)
}

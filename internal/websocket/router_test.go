package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/logging"
	"github.com/dom/chat-relay/internal/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeConversations struct {
	mu      sync.Mutex
	members map[uuid.UUID][]uuid.UUID
}

func (f *fakeConversations) add(participants ...uuid.UUID) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.members[id] = participants
	return id
}

func (f *fakeConversations) Create(context.Context, *domain.Conversation) error { return nil }

func (f *fakeConversations) GetByID(context.Context, uuid.UUID) (*domain.Conversation, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeConversations) ListByUser(context.Context, uuid.UUID, int, int) ([]*domain.Conversation, error) {
	return nil, nil
}

func (f *fakeConversations) ParticipantIDs(_ context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.members[conversationID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return ids, nil
}

func (f *fakeConversations) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	ids, err := f.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return false, nil
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type fakeMessages struct {
	mu        sync.Mutex
	stored    []*domain.Message
	latest    time.Time
	createErr error
	// createDelay simulates a slow datastore write that honours ctx.
	createDelay time.Duration
}

func (f *fakeMessages) Create(ctx context.Context, message *domain.Message) error {
	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.stored = append(f.stored, message)
	return nil
}

func (f *fakeMessages) ListByConversation(context.Context, uuid.UUID, string, int) ([]*domain.Message, error) {
	return nil, nil
}

func (f *fakeMessages) LatestSentAt(_ context.Context, conversationID uuid.UUID) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := f.latest
	for _, m := range f.stored {
		if m.ConversationID == conversationID && m.SentAt.After(latest) {
			latest = m.SentAt
		}
	}
	return latest, nil
}

func (f *fakeMessages) all() []*domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Message(nil), f.stored...)
}

type routerFixture struct {
	router        *Router
	registry      *Registry
	conversations *fakeConversations
	messages      *fakeMessages
}

func newRouterFixture(t *testing.T, bufferSize int, opts ...RouterOption) *routerFixture {
	t.Helper()

	log := logging.Discard()
	registry := NewRegistry(bufferSize, log)
	conversations := &fakeConversations{members: make(map[uuid.UUID][]uuid.UUID)}
	messages := &fakeMessages{}
	router := NewRouter(conversations, messages, registry, time.Second, log, opts...)
	t.Cleanup(registry.Shutdown)

	return &routerFixture{
		router:        router,
		registry:      registry,
		conversations: conversations,
		messages:      messages,
	}
}

func (f *routerFixture) connect(t *testing.T, userID uuid.UUID) *Session {
	t.Helper()
	session, err := f.registry.Connect(userID, "198.51.100.1:5000")
	require.NoError(t, err)
	return session
}

// drain returns every frame queued on session without blocking.
func drain(t *testing.T, session *Session) []Message {
	t.Helper()

	var frames []Message
	for {
		select {
		case data, ok := <-session.Outbox():
			if !ok {
				return frames
			}
			var msg Message
			require.NoError(t, json.Unmarshal(data, &msg))
			frames = append(frames, msg)
		default:
			return frames
		}
	}
}

func routedMessages(t *testing.T, frames []Message) []*domain.Message {
	t.Helper()

	var out []*domain.Message
	for _, f := range frames {
		if f.Type != MessageTypeMessage {
			continue
		}
		var payload MessagePayload
		require.NoError(t, json.Unmarshal(f.Payload, &payload))
		out = append(out, payload.Message)
	}
	return out
}

func presenceFrames(t *testing.T, frames []Message) []PresencePayload {
	t.Helper()

	var out []PresencePayload
	for _, f := range frames {
		if f.Type != MessageTypePresence {
			continue
		}
		var payload PresencePayload
		require.NoError(t, json.Unmarshal(f.Payload, &payload))
		out = append(out, payload)
	}
	return out
}

func (r *Router) joinCount(conversationID uuid.UUID) int {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()
	return r.joins[conversationID]
}

func TestRouter_RouteDeliversToJoinedSessions(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	aliceSession := f.connect(t, alice)
	bobPhone := f.connect(t, bob)
	bobLaptop := f.connect(t, bob)
	carolSession := f.connect(t, carol)

	ctx := context.Background()
	require.NoError(t, f.router.Join(ctx, aliceSession, conversationID))
	require.NoError(t, f.router.Join(ctx, bobPhone, conversationID))
	require.NoError(t, f.router.Join(ctx, bobLaptop, conversationID))

	msg, err := f.router.Route(ctx, domain.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       alice,
		Body:           "hello",
	})
	require.NoError(t, err)
	assert.Len(t, msg.ID, 26)
	assert.Equal(t, "hello", msg.Body)

	for _, s := range []*Session{aliceSession, bobPhone, bobLaptop} {
		got := routedMessages(t, drain(t, s))
		require.Len(t, got, 1, "session %s", s.ID)
		assert.Equal(t, msg.ID, got[0].ID)
		assert.Equal(t, alice, got[0].SenderID)
	}
	assert.Empty(t, drain(t, carolSession))
}

func TestRouter_UnjoinedSessionGetsNoFanOut(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	bobSession := f.connect(t, bob)

	_, err := f.router.Route(context.Background(), domain.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       alice,
		Body:           "are you there?",
	})
	require.NoError(t, err)

	assert.Empty(t, routedMessages(t, drain(t, bobSession)))
	assert.Len(t, f.messages.all(), 1, "messages persist without recipients")
}

func TestRouter_NotAMember(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  domain.OutboundMessage
	}{
		{
			name: "sender outside the conversation",
			msg:  domain.OutboundMessage{ConversationID: conversationID, SenderID: mallory, Body: "hi"},
		},
		{
			name: "unknown conversation",
			msg:  domain.OutboundMessage{ConversationID: uuid.New(), SenderID: alice, Body: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := f.router.Route(ctx, tt.msg)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, domain.ErrNotAMember)
		})
	}

	assert.Empty(t, f.messages.all())

	err := f.router.Join(ctx, f.connect(t, mallory), conversationID)
	assert.ErrorIs(t, err, domain.ErrNotAMember)
}

func TestRouter_EmptyBody(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	_, err := f.router.Route(context.Background(), domain.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       alice,
		Body:           "   ",
	})
	assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
	assert.Empty(t, f.messages.all())
}

func TestRouter_PersistFailureDeliversNothing(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)
	f.messages.createErr = errors.New("disk full")

	bobSession := f.connect(t, bob)
	require.NoError(t, f.router.Join(context.Background(), bobSession, conversationID))

	_, err := f.router.Route(context.Background(), domain.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       alice,
		Body:           "lost",
	})
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.Empty(t, routedMessages(t, drain(t, bobSession)))
}

func TestRouter_ConcurrentRoutesKeepOneOrder(t *testing.T) {
	const senders = 4
	const perSender = 25

	f := newRouterFixture(t, 512)
	participants := make([]uuid.UUID, senders)
	for i := range participants {
		participants[i] = uuid.New()
	}
	conversationID := f.conversations.add(participants...)

	sessions := make([]*Session, senders)
	for i, userID := range participants {
		sessions[i] = f.connect(t, userID)
		require.NoError(t, f.router.Join(context.Background(), sessions[i], conversationID))
	}
	for _, s := range sessions {
		drain(t, s)
	}

	var wg sync.WaitGroup
	for i, sender := range participants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range perSender {
				_, err := f.router.Route(context.Background(), domain.OutboundMessage{
					ConversationID: conversationID,
					SenderID:       sender,
					Body:           fmt.Sprintf("sender %d message %d", i, n),
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	stored := f.messages.all()
	require.Len(t, stored, senders*perSender)

	want := make([]string, len(stored))
	for i, m := range stored {
		want[i] = m.ID
		if i > 0 {
			assert.True(t, m.SentAt.After(stored[i-1].SentAt), "sentAt must increase")
		}
	}

	for _, s := range sessions {
		got := routedMessages(t, drain(t, s))
		ids := make([]string, len(got))
		for i, m := range got {
			ids[i] = m.ID
		}
		assert.Equal(t, want, ids)
	}
	assert.Equal(t, 0, f.router.activeLanes())
}

func TestRouter_SentAtStrictlyIncreasing(t *testing.T) {
	frozen := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newRouterFixture(t, 64, WithRouterClock(func() time.Time { return frozen }))
	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	var previous time.Time
	for i := range 3 {
		msg, err := f.router.Route(context.Background(), domain.OutboundMessage{
			ConversationID: conversationID,
			SenderID:       alice,
			Body:           fmt.Sprintf("tick %d", i),
		})
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, frozen, msg.SentAt)
		} else {
			assert.Equal(t, previous.Add(time.Microsecond), msg.SentAt)
		}
		previous = msg.SentAt
	}
}

func TestRouter_SentAtContinuesAfterStoredHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newRouterFixture(t, 64, WithRouterClock(func() time.Time { return now }))
	// A message stored by an earlier process, stamped by a clock that ran ahead.
	f.messages.latest = now.Add(time.Second)

	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	msg, err := f.router.Route(context.Background(), domain.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       bob,
		Body:           "after restart",
	})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second+time.Microsecond), msg.SentAt)
}

func TestRouter_SlowConsumerIsDropped(t *testing.T) {
	f := newRouterFixture(t, 1)
	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	bobSession := f.connect(t, bob)
	require.NoError(t, f.router.Join(context.Background(), bobSession, conversationID))

	dropped := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.DeliveryDropped))
	routed := testutil.ToFloat64(metrics.MessagesRouted)

	for i := range 2 {
		_, err := f.router.Route(context.Background(), domain.OutboundMessage{
			ConversationID: conversationID,
			SenderID:       alice,
			Body:           fmt.Sprintf("burst %d", i),
		})
		require.NoError(t, err, "a slow recipient never fails the sender")
	}

	assert.Len(t, f.messages.all(), 2)
	assert.Equal(t, routed+2, testutil.ToFloat64(metrics.MessagesRouted))
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.DeliveryDropped)))

	// One frame was queued before the outbox was closed.
	frames := drain(t, bobSession)
	assert.Len(t, routedMessages(t, frames), 1)
	_, open := <-bobSession.Outbox()
	assert.False(t, open)
}

func TestRouter_ClosedSessionIsNotCountedAsDropped(t *testing.T) {
	f := newRouterFixture(t, 8)
	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	bobSession := f.connect(t, bob)
	require.NoError(t, f.router.Join(context.Background(), bobSession, conversationID))

	// The connection is going away but has not reported the disconnect yet.
	bobSession.close()

	dropped := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.DeliveryDropped))
	closed := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.DeliveryClosed))

	_, err := f.router.Route(context.Background(), domain.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       alice,
		Body:           "mid-disconnect",
	})
	require.NoError(t, err)

	assert.Equal(t, dropped, testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.DeliveryDropped)))
	assert.Equal(t, closed+1, testutil.ToFloat64(metrics.Deliveries.WithLabelValues(metrics.DeliveryClosed)))
}

func TestRouter_QueuedSendsGetTheirOwnDeadline(t *testing.T) {
	f := newRouterFixture(t, 64)
	f.messages.createDelay = 40 * time.Millisecond
	// Six serialised writes take longer than one timeout.
	f.router = NewRouter(f.conversations, f.messages, f.registry, 150*time.Millisecond, logging.Discard())

	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)

	const senders = 6
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Route(context.Background(), domain.OutboundMessage{
				ConversationID: conversationID,
				SenderID:       alice,
				Body:           fmt.Sprintf("queued %d", i),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.messages.all(), senders)
}

func TestRouter_JoinIsIdempotentAndLeaveReleases(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob := uuid.New(), uuid.New()
	conversationID := f.conversations.add(alice, bob)
	session := f.connect(t, alice)
	ctx := context.Background()

	require.NoError(t, f.router.Join(ctx, session, conversationID))
	require.NoError(t, f.router.Join(ctx, session, conversationID))
	assert.Equal(t, 1, f.router.joinCount(conversationID))

	f.router.Leave(session, conversationID)
	f.router.Leave(session, conversationID)
	assert.Equal(t, 0, f.router.joinCount(conversationID))
	assert.False(t, session.HasJoined(conversationID))
}

func TestRouter_DisconnectCleansUp(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob := uuid.New(), uuid.New()
	first := f.conversations.add(alice, bob)
	second := f.conversations.add(alice, bob)

	session := f.connect(t, alice)
	require.NoError(t, f.router.Join(context.Background(), session, first))
	require.NoError(t, f.router.Join(context.Background(), session, second))

	require.True(t, f.registry.Disconnect(session.ID))

	assert.Empty(t, session.Joined())
	assert.Equal(t, 0, f.router.joinCount(first))
	assert.Equal(t, 0, f.router.joinCount(second))
	assert.False(t, f.registry.IsOnline(alice))

	// Routing after the disconnect reaches no one and does not fail.
	_, err := f.router.Route(context.Background(), domain.OutboundMessage{
		ConversationID: first,
		SenderID:       bob,
		Body:           "gone?",
	})
	require.NoError(t, err)
}

func TestRouter_PresenceBroadcast(t *testing.T) {
	f := newRouterFixture(t, 64)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	first := f.conversations.add(alice, bob)
	second := f.conversations.add(alice, bob, carol)

	aliceSession := f.connect(t, alice)
	require.NoError(t, f.router.Join(context.Background(), aliceSession, first))
	require.NoError(t, f.router.Join(context.Background(), aliceSession, second))
	carolSession := f.connect(t, carol)
	drain(t, aliceSession)

	bobPhone := f.connect(t, bob)
	bobLaptop := f.connect(t, bob)

	// One frame despite two shared conversations, none for the second session.
	presence := presenceFrames(t, drain(t, aliceSession))
	require.Len(t, presence, 1)
	assert.Equal(t, PresencePayload{UserID: bob.String(), Status: PresenceOnline}, presence[0])

	// Carol shares a conversation but has not joined it.
	assert.Empty(t, presenceFrames(t, drain(t, carolSession)))

	f.registry.Disconnect(bobPhone.ID)
	assert.Empty(t, presenceFrames(t, drain(t, aliceSession)))

	f.registry.Disconnect(bobLaptop.ID)
	presence = presenceFrames(t, drain(t, aliceSession))
	require.Len(t, presence, 1)
	assert.Equal(t, PresenceOffline, presence[0].Status)
}

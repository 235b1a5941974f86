package websocket

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/metrics"
	"github.com/dom/chat-relay/internal/repository"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"gorm.io/gorm"
)

// lane serialises routing for one conversation.
type lane struct {
	mu       sync.Mutex
	refs     int
	primed   bool
	lastSent time.Time
	entropy  *ulid.MonotonicEntropy
}

// next returns a send time strictly after every previous one in the lane.
func (l *lane) next(now time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !t.After(l.lastSent) {
		t = l.lastSent.Add(time.Microsecond)
	}
	return t
}

// Router checks conversation membership and fans routed messages out to the
// joined sessions of every participant. Messages of one conversation are
// persisted and delivered one at a time; different conversations route in
// parallel.
type Router struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	registry      *Registry
	logger        *slog.Logger
	timeout       time.Duration
	now           func() time.Time

	lanesMu sync.Mutex
	lanes   map[uuid.UUID]*lane

	// Participant sets of conversations with at least one joined session,
	// used for presence broadcast.
	membersMu sync.Mutex
	members   map[uuid.UUID][]uuid.UUID
	joins     map[uuid.UUID]int
}

type RouterOption func(*Router)

// WithRouterClock replaces the clock used to stamp messages.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter creates a router and registers it as the registry's observer.
func NewRouter(conversations repository.ConversationRepository, messages repository.MessageRepository, registry *Registry, timeout time.Duration, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		conversations: conversations,
		messages:      messages,
		registry:      registry,
		logger:        logger,
		timeout:       timeout,
		now:           time.Now,
		lanes:         make(map[uuid.UUID]*lane),
		members:       make(map[uuid.UUID][]uuid.UUID),
		joins:         make(map[uuid.UUID]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	registry.Observe(r)
	return r
}

// Join marks session as joined to conversationID so it receives the
// conversation's messages. Joining twice is a no-op.
func (r *Router) Join(ctx context.Context, session *Session, conversationID uuid.UUID) error {
	participants, err := r.participants(ctx, conversationID)
	if err != nil {
		return err
	}
	if !lo.Contains(participants, session.UserID) {
		return domain.ErrNotAMember
	}

	r.addJoin(conversationID, participants)
	if !session.join(conversationID) {
		r.releaseJoin(conversationID)
	}
	return nil
}

// Leave stops fan-out of conversationID to session.
func (r *Router) Leave(session *Session, conversationID uuid.UUID) {
	if session.leave(conversationID) {
		r.releaseJoin(conversationID)
	}
}

// Route persists msg and delivers it to every joined session of every
// participant. The sender need not be connected.
func (r *Router) Route(ctx context.Context, msg domain.OutboundMessage) (*domain.Message, error) {
	start := time.Now()
	defer func() {
		metrics.RouteDuration.Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(msg.Body) == "" {
		return nil, domain.NewInvalidRequest("message body cannot be empty")
	}

	participants, err := r.participants(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(participants, msg.SenderID) {
		return nil, domain.ErrNotAMember
	}

	l := r.acquireLane(msg.ConversationID)
	defer r.releaseLane(msg.ConversationID)

	l.mu.Lock()
	defer l.mu.Unlock()

	// The persist deadline starts once the lane is held, so time queued
	// behind other sends does not count against it.
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !l.primed {
		latest, err := r.messages.LatestSentAt(ctx, msg.ConversationID)
		if err != nil {
			return nil, oops.In("router").Code("LATEST_MESSAGE_LOOKUP_FAILED").
				With("conversation_id", msg.ConversationID.String()).
				Wrap(err)
		}
		l.lastSent = latest
		l.primed = true
	}

	sentAt := l.next(r.now())
	id, err := ulid.New(ulid.Timestamp(sentAt), l.entropy)
	if err != nil {
		return nil, oops.In("router").Code("MESSAGE_ID_FAILED").Wrap(err)
	}

	message := &domain.Message{
		ID:             id.String(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		SentAt:         sentAt,
	}
	if err := r.messages.Create(ctx, message); err != nil {
		return nil, oops.In("router").Code("MESSAGE_PERSIST_FAILED").
			With("conversation_id", msg.ConversationID.String()).
			Wrap(err)
	}
	l.lastSent = sentAt
	metrics.MessagesRouted.Inc()

	r.fanOut(message, participants)
	return message, nil
}

func (r *Router) fanOut(message *domain.Message, participants []uuid.UUID) {
	frame, err := encodeFrame(MessageTypeMessage, MessagePayload{Message: message})
	if err != nil {
		r.logger.Error("failed to encode message frame", "message_id", message.ID, "error", err)
		return
	}

	for _, userID := range participants {
		for _, session := range r.registry.SessionsForUser(userID) {
			if !session.HasJoined(message.ConversationID) {
				continue
			}
			switch session.Deliver(frame) {
			case Delivered:
				metrics.Deliveries.WithLabelValues(metrics.DeliveryDelivered).Inc()
			case DeliveryOverflow:
				metrics.Deliveries.WithLabelValues(metrics.DeliveryDropped).Inc()
				r.logger.Warn("dropped slow session",
					"session_id", session.ID.String(),
					"user_id", userID.String(),
					"conversation_id", message.ConversationID.String())
			case DeliveryClosed:
				// Disconnecting; the client resyncs from history.
				metrics.Deliveries.WithLabelValues(metrics.DeliveryClosed).Inc()
			}
		}
	}
}

// PresenceChanged tells sessions that share a joined conversation with
// userID about the transition. Each session gets at most one frame.
func (r *Router) PresenceChanged(userID uuid.UUID, online bool) {
	status := PresenceOffline
	if online {
		status = PresenceOnline
	}
	frame, err := encodeFrame(MessageTypePresence, PresencePayload{UserID: userID.String(), Status: status})
	if err != nil {
		r.logger.Error("failed to encode presence frame", "error", err)
		return
	}

	r.membersMu.Lock()
	audience := make(map[uuid.UUID][]uuid.UUID)
	for conversationID, participants := range r.members {
		if lo.Contains(participants, userID) {
			audience[conversationID] = participants
		}
	}
	r.membersMu.Unlock()

	notified := make(map[uuid.UUID]struct{})
	for conversationID, participants := range audience {
		for _, peer := range participants {
			if peer == userID {
				continue
			}
			for _, session := range r.registry.SessionsForUser(peer) {
				if _, done := notified[session.ID]; done || !session.HasJoined(conversationID) {
					continue
				}
				notified[session.ID] = struct{}{}
				session.Deliver(frame)
			}
		}
	}
}

// SessionClosed drops the closed session's joins.
func (r *Router) SessionClosed(session *Session) {
	for _, conversationID := range session.drainJoined() {
		r.releaseJoin(conversationID)
	}
}

func (r *Router) participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	participants, err := r.conversations.ParticipantIDs(ctx, conversationID)
	if err != nil {
		// An unknown conversation has no members.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotAMember
		}
		return nil, oops.In("router").Code("MEMBERSHIP_LOOKUP_FAILED").
			With("conversation_id", conversationID.String()).
			Wrap(err)
	}
	return participants, nil
}

func (r *Router) acquireLane(conversationID uuid.UUID) *lane {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()

	l, ok := r.lanes[conversationID]
	if !ok {
		l = &lane{entropy: ulid.Monotonic(rand.Reader, 0)}
		r.lanes[conversationID] = l
	}
	l.refs++
	return l
}

func (r *Router) releaseLane(conversationID uuid.UUID) {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()

	l, ok := r.lanes[conversationID]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(r.lanes, conversationID)
	}
}

// activeLanes returns the number of conversations currently routing.
func (r *Router) activeLanes() int {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()
	return len(r.lanes)
}

func (r *Router) addJoin(conversationID uuid.UUID, participants []uuid.UUID) {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()
	r.members[conversationID] = participants
	r.joins[conversationID]++
}

func (r *Router) releaseJoin(conversationID uuid.UUID) {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()
	r.joins[conversationID]--
	if r.joins[conversationID] <= 0 {
		delete(r.joins, conversationID)
		delete(r.members, conversationID)
	}
}

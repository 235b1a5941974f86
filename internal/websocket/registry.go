package websocket

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/dom/chat-relay/internal/metrics"
	"github.com/google/uuid"
)

var ErrRegistryClosed = errors.New("session registry is shut down")

// Observer is told about presence transitions and closed sessions. Calls are
// made in mutation order and must not call back into Connect or Disconnect.
type Observer interface {
	PresenceChanged(userID uuid.UUID, online bool)
	SessionClosed(session *Session)
}

// Registry maps live connections to users. A user is online while at least
// one of their sessions is registered.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	byUser   map[uuid.UUID]map[uuid.UUID]*Session
	stopped  bool

	// notifyMu orders mutations together with their notifications.
	notifyMu sync.Mutex
	observer Observer

	bufferSize int
	logger     *slog.Logger
}

func NewRegistry(bufferSize int, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:   make(map[uuid.UUID]*Session),
		byUser:     make(map[uuid.UUID]map[uuid.UUID]*Session),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Observe installs the observer. Call it before the first Connect.
func (r *Registry) Observe(o Observer) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.observer = o
}

// Connect registers an authenticated connection for userID.
func (r *Registry) Connect(userID uuid.UUID, remoteAddr string) (*Session, error) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	session := newSession(userID, remoteAddr, r.bufferSize)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.sessions[session.ID] = session
	owned, ok := r.byUser[userID]
	if !ok {
		owned = make(map[uuid.UUID]*Session)
		r.byUser[userID] = owned
	}
	owned[session.ID] = session
	cameOnline := len(owned) == 1
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	r.logger.Debug("session connected",
		"session_id", session.ID.String(),
		"user_id", userID.String())

	if cameOnline && r.observer != nil {
		r.observer.PresenceChanged(userID, true)
	}
	return session, nil
}

// Disconnect removes a session. It is the only removal path and is safe to
// call more than once.
func (r *Registry) Disconnect(sessionID uuid.UUID) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	owned := r.byUser[session.UserID]
	delete(owned, sessionID)
	wentOffline := len(owned) == 0
	if wentOffline {
		delete(r.byUser, session.UserID)
	}
	r.mu.Unlock()

	session.close()
	metrics.SessionsActive.Dec()
	r.logger.Debug("session disconnected",
		"session_id", sessionID.String(),
		"user_id", session.UserID.String())

	if r.observer != nil {
		r.observer.SessionClosed(session)
		if wentOffline {
			r.observer.PresenceChanged(session.UserID, false)
		}
	}
	return true
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SessionsForUser returns a snapshot of the user's sessions.
func (r *Registry) SessionsForUser(userID uuid.UUID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := r.byUser[userID]
	sessions := make([]*Session, 0, len(owned))
	for _, s := range owned {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) Session(sessionID uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) OnlineUsers() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]uuid.UUID, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	return users
}

// Shutdown refuses new connections and disconnects every session. Writers
// see their outbox close and hang up.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.stopped = true
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
	r.logger.Info("session registry shut down", "sessions", len(ids))
}

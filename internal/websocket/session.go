package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of one transport connection.
type ConnectionState int

const (
	// StateConnecting covers the handshake, before the access token is
	// verified. Such connections never reach the registry.
	StateConnecting ConnectionState = iota
	StateAuthenticated
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session binds one authenticated connection to its user. Sessions are
// created and destroyed only by the Registry.
type Session struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	RemoteAddr  string
	ConnectedAt time.Time

	mu     sync.Mutex
	state  ConnectionState
	joined map[uuid.UUID]struct{}
	outbox chan []byte
	closed bool
}

func newSession(userID uuid.UUID, remoteAddr string, bufferSize int) *Session {
	return &Session{
		ID:          uuid.New(),
		UserID:      userID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
		state:       StateAuthenticated,
		joined:      make(map[uuid.UUID]struct{}),
		outbox:      make(chan []byte, bufferSize),
	}
}

// Outbox is drained by the connection's writer. It is closed when the
// session closes.
func (s *Session) Outbox() <-chan []byte {
	return s.outbox
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeliveryOutcome is the result of one Deliver call.
type DeliveryOutcome int

const (
	Delivered DeliveryOutcome = iota
	// DeliveryOverflow means the buffer was full and the session has just
	// been closed.
	DeliveryOverflow
	// DeliveryClosed means the session was already closed.
	DeliveryClosed
)

// Deliver queues a frame without blocking. A session whose buffer is full is
// closed; the client must resynchronise from history after reconnecting.
func (s *Session) Deliver(frame []byte) DeliveryOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return DeliveryClosed
	}
	select {
	case s.outbox <- frame:
		return Delivered
	default:
		s.closeLocked()
		return DeliveryOverflow
	}
}

// HasJoined reports whether the session receives fan-out for conversationID.
func (s *Session) HasJoined(conversationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[conversationID]
	return ok
}

// Joined returns the conversations the session has joined.
func (s *Session) Joined() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	return ids
}

// join reports whether conversationID was newly added. Closed sessions
// cannot join.
func (s *Session) join(conversationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.joined[conversationID]; ok {
		return false
	}
	s.joined[conversationID] = struct{}{}
	return true
}

// leave reports whether conversationID was removed.
func (s *Session) leave(conversationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.joined[conversationID]; !ok {
		return false
	}
	delete(s.joined, conversationID)
	return true
}

// drainJoined removes and returns every joined conversation.
func (s *Session) drainJoined() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	s.joined = make(map[uuid.UUID]struct{})
	return ids
}

// close stops all further delivery.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.state = StateDisconnected
}

// closeLocked closes the outbox once. The session stays registered until
// its connection reports the disconnect.
func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	close(s.outbox)
	s.closed = true
}

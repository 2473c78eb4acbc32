package session

import (
	"context"
	"sync"

	"niraama/internal/auth"
	"niraama/internal/models"
)

// Option configures a Manager.
type Option func(*Manager)

// WithRecognizer wires a voice recognizer into every session.
func WithRecognizer(r Recognizer) Option {
	return func(m *Manager) { m.recognizer = r }
}

// WithCreatedObserver registers a callback fired whenever a session's
// first send materializes a conversation record.
func WithCreatedObserver(fn func(ownerID int64, conversationID string)) Option {
	return func(m *Manager) { m.onCreated = fn }
}

// Manager holds at most one live session per owner, creating them on
// demand and tearing them down on sign-out.
type Manager struct {
	store      ConversationStore
	replies    ReplyGenerator
	recognizer Recognizer
	onCreated  func(ownerID int64, conversationID string)

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewManager(st ConversationStore, replies ReplyGenerator, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		replies:  replies,
		sessions: make(map[int64]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the owner's session, creating one in the
// fresh-welcome state on first use.
func (m *Manager) Session(ownerID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[ownerID]; ok {
		return s
	}
	s := &Session{
		ownerID:    ownerID,
		store:      m.store,
		replies:    m.replies,
		recognizer: m.recognizer,
		onCreated:  m.onCreated,
		transcript: []models.Message{welcomeMessage()},
	}
	m.sessions[ownerID] = s
	debugLog("session created for owner %d", ownerID)
	return s
}

// Reset discards the owner's session, cancelling any in-flight reply.
// The next Session call starts fresh.
func (m *Manager) Reset(ownerID int64) {
	m.mu.Lock()
	s, ok := m.sessions[ownerID]
	delete(m.sessions, ownerID)
	m.mu.Unlock()
	if ok {
		s.Close()
		debugLog("session reset for owner %d", ownerID)
	}
}

// Shutdown closes every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[int64]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// WatchAuth consumes auth events until ctx is cancelled or the channel
// closes, resetting a user's session when they sign out.
func (m *Manager) WatchAuth(ctx context.Context, events <-chan auth.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == auth.SignedOut {
				m.Reset(ev.UserID)
			}
		}
	}
}

// Invalidate refreshes any session holding the given conversation,
// e.g. after a cache invalidation from another instance. A deleted
// conversation drops the session back to its fresh-welcome state.
func (m *Manager) Invalidate(conversationID string) {
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.ConversationID() == conversationID {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.Open(ctx, conversationID); err != nil {
			debugLog("refresh of conversation %s failed: %v", conversationID, err)
		}
		cancel()
	}
}

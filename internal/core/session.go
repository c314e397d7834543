package core

import (
	"sync"

	"github.com/ajax-ai/ajax-chat/internal/store"
)

// DefaultGreeting seeds every new session's transcript and is persisted with
// the first turn so a resumed chat replays exactly what was shown live.
const DefaultGreeting = "Hi! I'm Ajax. Ask me anything!"

// NewChatTitle labels a session that has not committed a turn yet.
const NewChatTitle = "New Chat"

// ChatSession is the per-browser-session state: the in-memory transcript and
// the identifier of the persisted chat it is bound to. ChatID stays empty
// until the first turn commits; the chat record is created lazily, never at
// session start. Concurrent requests carrying the same cookie (two tabs, a
// double submit) are serialized on mu; the orchestrator holds it for the
// whole turn, readers take it through Snapshot.
type ChatSession struct {
	mu         sync.Mutex
	ChatID     string
	Title      string
	Transcript []store.MessageBody
}

// Snapshot returns a consistent copy of the session state for rendering.
func (s *ChatSession) Snapshot() (chatID, title string, transcript []store.MessageBody) {
	s.mu.Lock()
	defer s.mu.Unlock()
	transcript = append([]store.MessageBody(nil), s.Transcript...)
	return s.ChatID, s.Title, transcript
}

func newChatSession() *ChatSession {
	return &ChatSession{
		Title:      NewChatTitle,
		Transcript: []store.MessageBody{{Role: store.RoleModel, Content: DefaultGreeting}},
	}
}

// SessionRegistry holds live chat sessions keyed by the server-issued session
// id from the auth cookie. It replaces ambient page-global state with an
// explicit per-session object; sessions are never shared across users.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*ChatSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*ChatSession)}
}

// Get returns the session for the given id, seeding a fresh one on first use.
func (r *SessionRegistry) Get(sessionID string) *ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		session = newChatSession()
		r.sessions[sessionID] = session
	}
	return session
}

// StartNew discards the session's in-memory state and reseeds it. An
// abandoned session with zero committed turns leaves no trace in the store.
func (r *SessionRegistry) StartNew(sessionID string) *ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := newChatSession()
	r.sessions[sessionID] = session
	return session
}

// Drop removes a session, e.g. on logout.
func (r *SessionRegistry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

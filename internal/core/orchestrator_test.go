package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajax-ai/ajax-chat/internal/store"
)

// fakeGateway replays canned fragments, optionally failing after a number of
// them, and records the transcript it was invoked with.
type fakeGateway struct {
	fragments  []string
	failAt     int // fail before yielding fragment with this index; -1 never
	requestErr error
	lastInput  []store.MessageBody
}

func (g *fakeGateway) StreamReply(_ context.Context, transcript []store.MessageBody) (Stream, error) {
	g.lastInput = append([]store.MessageBody(nil), transcript...)
	if g.requestErr != nil {
		return nil, g.requestErr
	}
	return &fakeStream{gw: g}, nil
}

type fakeStream struct {
	gw  *fakeGateway
	pos int
}

func (s *fakeStream) Next() (string, error) {
	if s.gw.failAt >= 0 && s.pos == s.gw.failAt {
		return "", errors.New("provider dropped the connection")
	}
	if s.pos >= len(s.gw.fragments) {
		return "", io.EOF
	}
	fragment := s.gw.fragments[s.pos]
	s.pos++
	return fragment, nil
}

func newTestOrchestrator(t *testing.T, gw Gateway) (*Orchestrator, *store.SQLiteStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOrchestrator(db, gw, zap.NewNop()), db
}

func createTestUser(t *testing.T, db *store.SQLiteStore) *store.User {
	t.Helper()
	user, err := db.CreateUser("Alice", "alice@example.com", "hash")
	require.NoError(t, err)
	return user
}

func TestCompleteTurnRoundTrip(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"Hello ", "Alice!"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)

	registry := NewSessionRegistry()
	session := registry.Get("sid-1")

	var streamed []string
	result, err := orch.CompleteTurn(context.Background(), user.ID, session, "Who are you?", func(f string) {
		streamed = append(streamed, f)
	})
	require.NoError(t, err)
	require.True(t, result.NewChat)
	require.Equal(t, "Hello Alice!", result.Reply)
	require.Equal(t, []string{"Hello ", "Alice!"}, streamed)

	// The gateway saw the greeting-seeded transcript ending in the user turn.
	require.Equal(t, store.RoleModel, gw.lastInput[0].Role)
	require.Equal(t, DefaultGreeting, gw.lastInput[0].Content)
	require.Equal(t, store.RoleUser, gw.lastInput[len(gw.lastInput)-1].Role)

	// Session state advanced.
	require.Equal(t, result.ChatID, session.ChatID)
	require.Equal(t, result.Title, session.Title)
	require.Equal(t, "Hello Alice!", session.Transcript[len(session.Transcript)-1].Content)

	// Reload from the store: greeting, then the user message, then the reply.
	loaded, err := db.GetChatWithMessages(result.ChatID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3)
	require.Equal(t, store.MessageBody{Role: store.RoleModel, Content: DefaultGreeting}, loaded.Messages[0].Body)
	require.Equal(t, store.MessageBody{Role: store.RoleUser, Content: "Who are you?"}, loaded.Messages[1].Body)
	require.Equal(t, store.MessageBody{Role: store.RoleModel, Content: "Hello Alice!"}, loaded.Messages[2].Body)
}

func TestCompleteTurnSecondTurnReusesChat(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"reply"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)
	session := NewSessionRegistry().Get("sid-1")

	first, err := orch.CompleteTurn(context.Background(), user.ID, session, "first question", nil)
	require.NoError(t, err)
	second, err := orch.CompleteTurn(context.Background(), user.ID, session, "second question", nil)
	require.NoError(t, err)

	require.False(t, second.NewChat)
	require.Equal(t, first.ChatID, second.ChatID)

	chats, err := db.GetChatsByUserID(user.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	loaded, err := db.GetChatWithMessages(first.ChatID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 5) // greeting + two turns
}

func TestCompleteTurnStreamFailureCommitsFallback(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"partial "}, failAt: 1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)
	session := NewSessionRegistry().Get("sid-1")

	result, err := orch.CompleteTurn(context.Background(), user.ID, session, "doomed question", nil)
	require.NoError(t, err)
	require.Equal(t, FallbackReply, result.Reply)

	loaded, err := db.GetChatWithMessages(result.ChatID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3)
	require.Equal(t, "doomed question", loaded.Messages[1].Body.Content)
	require.Equal(t, FallbackReply, loaded.Messages[2].Body.Content)
}

func TestCompleteTurnGatewayRequestFailureCommitsFallback(t *testing.T) {
	gw := &fakeGateway{requestErr: errors.New("transport down"), failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)
	session := NewSessionRegistry().Get("sid-1")

	result, err := orch.CompleteTurn(context.Background(), user.ID, session, "hello?", nil)
	require.NoError(t, err)
	require.Equal(t, FallbackReply, result.Reply)

	loaded, err := db.GetChatWithMessages(result.ChatID)
	require.NoError(t, err)
	require.Equal(t, FallbackReply, loaded.Messages[2].Body.Content)
}

func TestCompleteTurnRejectsBlankInput(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"reply"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)
	session := NewSessionRegistry().Get("sid-1")

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := orch.CompleteTurn(context.Background(), user.ID, session, input, nil)
		require.ErrorIs(t, err, ErrEmptyMessage)
	}

	// Nothing appended, nothing persisted.
	require.Len(t, session.Transcript, 1)
	chats, err := db.GetChatsByUserID(user.ID)
	require.NoError(t, err)
	require.Empty(t, chats)
}

func TestTitleDerivation(t *testing.T) {
	// The ellipsis marker is appended unconditionally, even to short input.
	require.Equal(t, "hi...", deriveTitle("hi"))
	require.Equal(t, "exactly thirty characters here...", deriveTitle("exactly thirty characters here"))

	long := "this message is well over thirty characters long"
	require.Equal(t, "this message is well over thir...", deriveTitle(long))

	// Truncation is by characters, not bytes, and the prefix is trimmed.
	require.Equal(t, "héllo...", deriveTitle("héllo   "))
}

func TestLoadChatRehydratesSession(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"answer"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)

	registry := NewSessionRegistry()
	session := registry.Get("sid-1")
	result, err := orch.CompleteTurn(context.Background(), user.ID, session, "remember me", nil)
	require.NoError(t, err)

	// A different browser session resumes the chat.
	other := registry.Get("sid-2")
	require.NoError(t, orch.LoadChat(other, result.ChatID, user.ID))
	require.Equal(t, result.ChatID, other.ChatID)
	require.Equal(t, result.Title, other.Title)
	require.Len(t, other.Transcript, 3)
	require.Equal(t, DefaultGreeting, other.Transcript[0].Content)
}

func TestLoadChatEnforcesOwnership(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"answer"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)

	session := NewSessionRegistry().Get("sid-1")
	result, err := orch.CompleteTurn(context.Background(), user.ID, session, "mine", nil)
	require.NoError(t, err)

	intruder, err := db.CreateUser("Mallory", "mallory@example.com", "hash")
	require.NoError(t, err)

	stolen := NewSessionRegistry().Get("sid-2")
	err = orch.LoadChat(stolen, result.ChatID, intruder.ID)
	require.ErrorIs(t, err, ErrChatNotFound)
	require.Empty(t, stolen.ChatID)
}

func TestResumeWithoutSendingLeavesChatUntouched(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"answer"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)

	registry := NewSessionRegistry()
	session := registry.Get("sid-1")

	chatA, err := orch.CompleteTurn(context.Background(), user.ID, session, "chat A opener", nil)
	require.NoError(t, err)
	session = registry.StartNew("sid-1")
	chatB, err := orch.CompleteTurn(context.Background(), user.ID, session, "chat B opener", nil)
	require.NoError(t, err)

	// Load A, then B, sending nothing in A.
	require.NoError(t, orch.LoadChat(session, chatA.ChatID, user.ID))
	require.NoError(t, orch.LoadChat(session, chatB.ChatID, user.ID))

	loadedA, err := db.GetChatWithMessages(chatA.ChatID)
	require.NoError(t, err)
	require.Len(t, loadedA.Messages, 3) // unchanged: no autosave of untouched sessions
	require.Equal(t, chatB.ChatID, session.ChatID)
}

func TestCompleteTurnConcurrentSubmitsSerialize(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"reply"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)
	session := NewSessionRegistry().Get("sid-1")

	// Two tabs double-submitting into the same session: turns must run one
	// at a time against a consistent transcript.
	const turns = 8
	errs := make(chan error, turns)
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := orch.CompleteTurn(context.Background(), user.ID, session, fmt.Sprintf("question %d", n), nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// All turns landed in one lazily created chat.
	chats, err := db.GetChatsByUserID(user.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	loaded, err := db.GetChatWithMessages(chats[0].ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1+2*turns) // greeting + user/model pair per turn

	_, _, transcript := session.Snapshot()
	require.Len(t, transcript, 1+2*turns)
}

func TestCompleteTurnSurfacesCommitFailure(t *testing.T) {
	gw := &fakeGateway{fragments: []string{"shown but unsaved"}, failAt: -1}
	orch, db := newTestOrchestrator(t, gw)
	user := createTestUser(t, db)
	session := NewSessionRegistry().Get("sid-1")

	require.NoError(t, db.Close())

	result, err := orch.CompleteTurn(context.Background(), user.ID, session, "save this", nil)
	require.Error(t, err)
	require.NotNil(t, result) // the reply was already rendered
	require.Equal(t, "shown but unsaved", result.Reply)

	// The transcript keeps what the user saw; the session stays unbound so
	// the next turn retries chat creation.
	require.Equal(t, "shown but unsaved", session.Transcript[len(session.Transcript)-1].Content)
	require.Empty(t, session.ChatID)
}

func TestStartNewDiscardsUnsavedState(t *testing.T) {
	registry := NewSessionRegistry()
	session := registry.Get("sid-1")
	session.Transcript = append(session.Transcript, store.MessageBody{Role: store.RoleUser, Content: "never sent"})

	fresh := registry.StartNew("sid-1")
	require.Len(t, fresh.Transcript, 1)
	require.Equal(t, DefaultGreeting, fresh.Transcript[0].Content)
	require.Empty(t, fresh.ChatID)
	require.Equal(t, NewChatTitle, fresh.Title)
	require.Same(t, fresh, registry.Get("sid-1"))
}

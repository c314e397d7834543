package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajax-ai/ajax-chat/internal/store"
)

// FallbackReply replaces the assistant text when the gateway fails mid-turn.
// The turn still commits so the conversation is never left with a dangling
// user message and no reply.
const FallbackReply = "Sorry, something went wrong. Try again!"

const titlePrefixLen = 30

var (
	ErrEmptyMessage = errors.New("message content cannot be empty")
	ErrChatNotFound = errors.New("chat not found")
)

// Orchestrator drives one conversation turn: it owns the transition from
// user input through streaming display to durable commit.
type Orchestrator struct {
	dbStore *store.SQLiteStore
	gateway Gateway
	logger  *zap.Logger
}

func NewOrchestrator(db *store.SQLiteStore, gw Gateway, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{dbStore: db, gateway: gw, logger: logger}
}

// TurnResult reports what a completed turn displayed and committed.
type TurnResult struct {
	Reply   string
	ChatID  string
	Title   string
	NewChat bool
}

// deriveTitle builds a chat title from the first user message: the first 30
// characters, trimmed, with an ellipsis marker. The marker is appended
// unconditionally, even when the message is shorter than the prefix.
func deriveTitle(userText string) string {
	runes := []rune(userText)
	if len(runes) > titlePrefixLen {
		runes = runes[:titlePrefixLen]
	}
	return strings.TrimSpace(string(runes)) + "..."
}

// CompleteTurn runs one turn against the session: append the user message,
// stream the reply through onFragment, then commit the turn. When this is the
// session's first turn the chat record is created in the same transaction,
// with the greeting queued ahead of the turn so replayed history matches what
// was shown live.
//
// A gateway failure is absorbed: the reply becomes FallbackReply and the turn
// still commits. A commit failure is returned together with a non-nil result,
// because the reply has already been rendered; persistence here is
// at-most-once, best-effort.
func (o *Orchestrator) CompleteTurn(ctx context.Context, userID string, session *ChatSession, userText string, onFragment func(string)) (*TurnResult, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyMessage
	}

	// Held for the whole turn: concurrent submits on one session run one at
	// a time against a consistent transcript.
	session.mu.Lock()
	defer session.mu.Unlock()

	userEntry := store.MessageBody{Role: store.RoleUser, Content: userText}
	session.Transcript = append(session.Transcript, userEntry)

	reply := o.streamReply(ctx, session.Transcript, onFragment)

	result := &TurnResult{
		Reply:  reply,
		ChatID: session.ChatID,
		Title:  session.Title,
	}

	var newChat *store.Chat
	var queued []store.Message

	if session.ChatID == "" {
		now := time.Now().UTC()
		newChat = &store.Chat{
			ID:        uuid.NewString(),
			UserID:    userID,
			Title:     deriveTitle(userText),
			CreatedAt: now,
			UpdatedAt: now,
		}
		result.ChatID = newChat.ID
		result.Title = newChat.Title
		result.NewChat = true

		queued = append(queued, store.Message{
			ChatID: newChat.ID,
			Body:   store.MessageBody{Role: store.RoleModel, Content: DefaultGreeting},
		})
	}

	modelEntry := store.MessageBody{Role: store.RoleModel, Content: reply}
	queued = append(queued,
		store.Message{ChatID: result.ChatID, Body: userEntry},
		store.Message{ChatID: result.ChatID, Body: modelEntry},
	)

	err := o.dbStore.CommitTurn(newChat, queued)
	if err != nil {
		// The reply was already rendered; the user sees text that will not
		// survive a reload. Surface the failure instead of hiding it. The
		// failed turn stays in the transcript but is never re-queued, so a
		// later successful turn commits without it and replay diverges from
		// what was shown (at-most-once persistence).
		o.logger.Error("failed to commit turn",
			zap.String("chatID", result.ChatID),
			zap.Error(err))
	} else {
		session.ChatID = result.ChatID
		session.Title = result.Title
	}

	session.Transcript = append(session.Transcript, modelEntry)
	return result, err
}

// streamReply consumes the gateway stream fragment by fragment, forwarding
// each to onFragment. Any gateway error discards partial output and yields
// the fallback text.
func (o *Orchestrator) streamReply(ctx context.Context, transcript []store.MessageBody, onFragment func(string)) string {
	stream, err := o.gateway.StreamReply(ctx, transcript)
	if err != nil {
		o.logger.Warn("gateway request failed, using fallback reply", zap.Error(err))
		if onFragment != nil {
			onFragment(FallbackReply)
		}
		return FallbackReply
	}

	var full strings.Builder
	for {
		fragment, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			o.logger.Warn("gateway stream aborted, using fallback reply", zap.Error(err))
			if onFragment != nil {
				onFragment(FallbackReply)
			}
			return FallbackReply
		}
		full.WriteString(fragment)
		if onFragment != nil {
			onFragment(fragment)
		}
	}
	return full.String()
}

// LoadChat rehydrates the session from a persisted chat, discarding whatever
// unsaved in-memory state the session held. Ownership is checked first so a
// user cannot load another user's chat.
func (o *Orchestrator) LoadChat(session *ChatSession, chatID, userID string) error {
	chat, err := o.dbStore.GetChatByID(chatID, userID)
	if err != nil {
		return err
	}
	if chat == nil {
		return ErrChatNotFound
	}

	loaded, err := o.dbStore.GetChatWithMessages(chatID)
	if err != nil {
		return err
	}
	if loaded == nil {
		return ErrChatNotFound
	}

	transcript := make([]store.MessageBody, 0, len(loaded.Messages))
	for _, msg := range loaded.Messages {
		transcript = append(transcript, msg.Body)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.ChatID = loaded.ID
	session.Title = loaded.Title
	session.Transcript = transcript
	return nil
}

// ListChats returns the user's chats, most recently touched first.
func (o *Orchestrator) ListChats(userID string) ([]store.Chat, error) {
	return o.dbStore.GetChatsByUserID(userID)
}

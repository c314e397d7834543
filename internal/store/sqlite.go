package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrDuplicateEmail is returned by CreateUser when the unique email index
// rejects the insert. The pre-check in the signup handler is only a UX fast
// path; this rejection is the source of truth.
var ErrDuplicateEmail = errors.New("email already exists")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        name TEXT NOT NULL,
        email TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'model')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );

    CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats (user_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) CreateUser(name, email, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO users (id, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Name, user.Email, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByEmail(email string) (*User, error) {
	var user User
	err := s.db.QueryRow(
		"SELECT id, name, email, password_hash, created_at FROM users WHERE email = ?", email,
	).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// Chat methods

// CreateChat persists a chat record. The caller creates chats lazily, on the
// first completed turn of a session, never at session start.
func (s *SQLiteStore) CreateChat(chat *Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = now
	}

	_, err := s.db.Exec(
		"INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		chat.ID, chat.UserID, chat.Title, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChatByID(chatID, userID string) (*Chat, error) {
	var chat Chat
	err := s.db.QueryRow(
		"SELECT id, user_id, title, created_at, updated_at FROM chats WHERE id = ? AND user_id = ?",
		chatID, userID,
	).Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// GetChatsByUserID lists a user's chats most recently touched first.
func (s *SQLiteStore) GetChatsByUserID(userID string) ([]Chat, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// Message methods

// InsertMessages bulk-inserts one turn's messages in a single transaction.
func (s *SQLiteStore) InsertMessages(msgs []Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMessagesTx(tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessagesTx(tx *sql.Tx, msgs []Message) error {
	stmt, err := tx.Prepare(
		"INSERT INTO messages (id, chat_id, role, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i := range msgs {
		msg := &msgs[i]
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.UpdatedAt.IsZero() {
			msg.UpdatedAt = now
		}
		if _, err := stmt.Exec(msg.ID, msg.ChatID, msg.Body.Role, msg.Body.Content, msg.CreatedAt, msg.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

// CommitTurn persists a turn atomically: the chat record when this is the
// session's first turn (chat non-nil), then the turn's messages. Running both
// in one transaction closes the orphaned-empty-chat window a crash between
// two separate calls would leave.
func (s *SQLiteStore) CommitTurn(chat *Chat, msgs []Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if chat != nil {
		if chat.ID == "" {
			chat.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		if chat.CreatedAt.IsZero() {
			chat.CreatedAt = now
		}
		if chat.UpdatedAt.IsZero() {
			chat.UpdatedAt = now
		}
		_, err = tx.Exec(
			"INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			chat.ID, chat.UserID, chat.Title, chat.CreatedAt, chat.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert chat: %w", err)
		}
	}

	if err := insertMessagesTx(tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

// GetChatWithMessages rejoins a chat with its messages into one record. The
// join is a LEFT JOIN so a chat with zero messages still yields the chat row
// with an empty transcript. Messages are ordered by created_at with a rowid
// tiebreak so same-timestamp rows of a turn keep insertion order.
func (s *SQLiteStore) GetChatWithMessages(chatID string) (*ChatWithMessages, error) {
	rows, err := s.db.Query(`
        SELECT c.id, c.user_id, c.title, c.created_at, c.updated_at,
               m.id, m.role, m.content, m.created_at, m.updated_at
        FROM chats c
        LEFT JOIN messages m ON m.chat_id = c.id
        WHERE c.id = ?
        ORDER BY m.created_at ASC, m.rowid ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat with messages: %w", err)
	}
	defer rows.Close()

	var result *ChatWithMessages
	for rows.Next() {
		var chat Chat
		var msgID, msgRole, msgContent sql.NullString
		var msgCreatedAt, msgUpdatedAt sql.NullTime
		if err := rows.Scan(
			&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt,
			&msgID, &msgRole, &msgContent, &msgCreatedAt, &msgUpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		if result == nil {
			result = &ChatWithMessages{Chat: chat}
		}
		if !msgID.Valid {
			continue // synthetic row from a message-less chat
		}
		result.Messages = append(result.Messages, Message{
			ID:        msgID.String,
			ChatID:    chat.ID,
			Body:      MessageBody{Role: Role(msgRole.String), Content: msgContent.String},
			CreatedAt: msgCreatedAt.Time,
			UpdatedAt: msgUpdatedAt.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript rows: %w", err)
	}
	if result == nil {
		return nil, nil // Chat not found
	}
	return result, nil
}

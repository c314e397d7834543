package store

import "time"

// Role tags a message author. The internal vocabulary matches the model
// provider's ("user" and "model"); the UI label "assistant" is a display
// concern and never reaches the store.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type User struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
}

type Chat struct {
	ID        string    `json:"_id"` // UUID
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageBody is the role/content pair nested under "message" in the wire
// shape, mirroring the document layout of the messages collection.
type MessageBody struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Message struct {
	ID        string      `json:"_id"` // UUID
	ChatID    string      `json:"chat_id"`
	Body      MessageBody `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ChatWithMessages is a chat record rejoined with its full ordered transcript.
type ChatWithMessages struct {
	Chat
	Messages []Message `json:"messages"`
}

package sessionstore

import (
	"context"
	"time"
)

// DefaultTitle is the title assigned to sessions before the first user
// message derives a real one.
const DefaultTitle = "New Chat"

// previewLimit caps the stored preview length.
const previewLimit = 100

// SessionMetadata describes a chat session, separate from its conversation
// history (which lives in the checkpointer).
type SessionMetadata struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

// SessionUpdate carries optional field changes for UpdateSession. Nil fields
// are left untouched; updated_at is always bumped.
type SessionUpdate struct {
	Title        *string
	Preview      *string
	MessageCount *int
}

// ToolCallEntry is one audit-trail record of a tool invocation.
type ToolCallEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Arguments string    `json:"arguments"`
	Status    string    `json:"status"` // "running" | "complete" | "error"
	Output    string    `json:"output"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the session metadata contract, identical across backends.
// GetSession returns (nil, nil) for unknown sessions.
type Store interface {
	CreateSession(ctx context.Context, sessionID, title string) (*SessionMetadata, error)
	GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error)
	ListSessions(ctx context.Context, limit int) ([]SessionMetadata, error)
	UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) (*SessionMetadata, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	DeleteAllSessions(ctx context.Context) (int, error)
	RenameSession(ctx context.Context, sessionID, title string) (bool, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	SessionCount(ctx context.Context) (int, error)
	EnforceSessionLimit(ctx context.Context, maxSessions int) ([]string, error)
	AppendToolCall(ctx context.Context, sessionID string, tc ToolCallEntry) error
	GetToolCalls(ctx context.Context, sessionID string) ([]ToolCallEntry, error)
	Close() error
}

func truncatePreview(preview string) string {
	runes := []rune(preview)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return preview
}

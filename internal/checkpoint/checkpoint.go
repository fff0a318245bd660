package checkpoint

import (
	"context"
	"sync"

	"github.com/k8sops/k8sops/internal/engine"
)

// EntryKind classifies a persisted conversation entry.
type EntryKind string

const (
	KindHuman  EntryKind = "human"
	KindAI     EntryKind = "ai"
	KindTool   EntryKind = "tool"
	KindSystem EntryKind = "system"
)

// Entry is one persisted conversation message.
type Entry struct {
	Kind      EntryKind         `json:"kind"`
	Content   string            `json:"content"`
	Name      string            `json:"name,omitempty"` // tool call id for tool entries
	ToolCalls []engine.ToolCall `json:"tool_calls,omitempty"`
}

// ChannelValues holds the checkpointed conversation state.
type ChannelValues struct {
	Messages []Entry `json:"messages"`
}

// Checkpoint is a full snapshot of one thread's conversation.
type Checkpoint struct {
	ChannelValues ChannelValues `json:"channel_values"`
}

// Saver persists checkpoints keyed by thread id. Implementations must be
// safe for concurrent use.
type Saver interface {
	Put(ctx context.Context, threadID string, cp Checkpoint) error
	GetLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	Close() error
}

// FromChatMessages converts a live transcript into checkpoint entries.
func FromChatMessages(messages []engine.ChatMessage) []Entry {
	entries := make([]Entry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, Entry{
			Kind:      kindForRole(msg.Role),
			Content:   msg.Content,
			Name:      msg.Name,
			ToolCalls: msg.ToolCalls,
		})
	}
	return entries
}

// ToChatMessages converts checkpoint entries back into a live transcript.
func ToChatMessages(entries []Entry) []engine.ChatMessage {
	messages := make([]engine.ChatMessage, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, engine.ChatMessage{
			Role:      roleForKind(e.Kind),
			Content:   e.Content,
			Name:      e.Name,
			ToolCalls: e.ToolCalls,
		})
	}
	return messages
}

func kindForRole(role engine.MessageRole) EntryKind {
	switch role {
	case engine.RoleUser:
		return KindHuman
	case engine.RoleAssistant:
		return KindAI
	case engine.RoleTool:
		return KindTool
	default:
		return KindSystem
	}
}

func roleForKind(kind EntryKind) engine.MessageRole {
	switch kind {
	case KindHuman:
		return engine.RoleUser
	case KindAI:
		return engine.RoleAssistant
	case KindTool:
		return engine.RoleTool
	default:
		return engine.RoleSystem
	}
}

// MemorySaver keeps checkpoints in memory. Used in tests and when no store
// path is configured.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string]Checkpoint
}

// NewMemorySaver creates an in-memory checkpoint saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: make(map[string]Checkpoint)}
}

// Put implements Saver.
func (m *MemorySaver) Put(_ context.Context, threadID string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry, len(cp.ChannelValues.Messages))
	copy(entries, cp.ChannelValues.Messages)
	m.threads[threadID] = Checkpoint{ChannelValues: ChannelValues{Messages: entries}}
	return nil
}

// GetLatest implements Saver. It returns nil with no error when the thread
// has no checkpoint.
func (m *MemorySaver) GetLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.threads[threadID]
	if !ok {
		return nil, nil
	}
	entries := make([]Entry, len(cp.ChannelValues.Messages))
	copy(entries, cp.ChannelValues.Messages)
	return &Checkpoint{ChannelValues: ChannelValues{Messages: entries}}, nil
}

// Close implements Saver.
func (m *MemorySaver) Close() error {
	return nil
}

package sessionstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists session metadata in JSONL files: a sessions.jsonl index
// (fully rewritten on each mutation) plus one append-only event log per
// session. Suitable for single-process, low-churn deployments.
//
// Layout:
//
//	<base>/sessions.jsonl                      index of all users' sessions
//	<base>/sessions/<user_id>/<session_id>.jsonl  per-session event log
type FileStore struct {
	mu          sync.Mutex
	basePath    string
	userID      string
	indexFile   string
	sessionsDir string
}

// sessionEvent is one line in a per-session log.
type sessionEvent struct {
	Type      string `json:"type"` // "metadata" | "message" | "tool_call"
	Timestamp string `json:"timestamp,omitempty"`

	// metadata fields
	*SessionMetadata

	// message fields
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// tool_call fields
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StoredMessage is one message replayed from a session log.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewFileStore creates the storage directories under basePath.
func NewFileStore(basePath, userID string) (*FileStore, error) {
	sessionsDir := filepath.Join(basePath, "sessions", userID)
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &FileStore{
		basePath:    basePath,
		userID:      userID,
		indexFile:   filepath.Join(basePath, "sessions.jsonl"),
		sessionsDir: sessionsDir,
	}, nil
}

func (s *FileStore) sessionFile(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID+".jsonl")
}

// readIndex returns this user's index entries. Malformed lines are skipped.
func (s *FileStore) readIndex() ([]SessionMetadata, error) {
	f, err := os.Open(s.indexFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	var entries []SessionMetadata
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var meta SessionMetadata
		if err := json.Unmarshal([]byte(line), &meta); err != nil {
			continue
		}
		if meta.UserID == s.userID {
			entries = append(entries, meta)
		}
	}
	return entries, scanner.Err()
}

// writeIndex rewrites the whole index, preserving other users' entries.
func (s *FileStore) writeIndex(entries []SessionMetadata) error {
	var others []json.RawMessage
	if f, err := os.Open(s.indexFile); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var meta SessionMetadata
			if err := json.Unmarshal([]byte(line), &meta); err != nil {
				continue
			}
			if meta.UserID != s.userID {
				others = append(others, json.RawMessage(line))
			}
		}
		f.Close()
	}

	var sb strings.Builder
	for _, raw := range others {
		sb.Write(raw)
		sb.WriteByte('\n')
	}
	for _, meta := range entries {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal index entry: %w", err)
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}

	if err := os.WriteFile(s.indexFile, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

func (s *FileStore) appendEvent(sessionID string, event sessionEvent) error {
	f, err := os.OpenFile(s.sessionFile(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *FileStore) readEvents(sessionID string) ([]sessionEvent, error) {
	f, err := os.Open(s.sessionFile(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	var events []sessionEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event sessionEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// CreateSession implements Store.
func (s *FileStore) CreateSession(_ context.Context, sessionID, title string) (*SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()
	meta := SessionMetadata{
		SessionID: sessionID,
		UserID:    s.userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.appendEvent(sessionID, sessionEvent{Type: "metadata", SessionMetadata: &meta}); err != nil {
		return nil, err
	}

	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	entries = append(entries, meta)
	if err := s.writeIndex(entries); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetSession implements Store.
func (s *FileStore) GetSession(_ context.Context, sessionID string) (*SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(sessionID)
}

func (s *FileStore) getLocked(sessionID string) (*SessionMetadata, error) {
	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].SessionID == sessionID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// ListSessions implements Store.
func (s *FileStore) ListSessions(_ context.Context, limit int) ([]SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	sortByUpdatedDesc(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func sortByUpdatedDesc(entries []SessionMetadata) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].SessionID < entries[j].SessionID
	})
}

// UpdateSession implements Store.
func (s *FileStore) UpdateSession(_ context.Context, sessionID string, update SessionUpdate) (*SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(sessionID, update)
}

func (s *FileStore) updateLocked(sessionID string, update SessionUpdate) (*SessionMetadata, error) {
	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].SessionID != sessionID {
			continue
		}
		if update.Title != nil {
			entries[i].Title = *update.Title
		}
		if update.Preview != nil {
			entries[i].Preview = truncatePreview(*update.Preview)
		}
		if update.MessageCount != nil {
			entries[i].MessageCount = *update.MessageCount
		}
		entries[i].UpdatedAt = time.Now().UTC()

		if err := s.writeIndex(entries); err != nil {
			return nil, err
		}
		meta := entries[i]
		return &meta, nil
	}
	return nil, nil
}

// DeleteSession implements Store. The session's event log goes with it.
func (s *FileStore) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(sessionID)
}

func (s *FileStore) deleteLocked(sessionID string) (bool, error) {
	entries, err := s.readIndex()
	if err != nil {
		return false, err
	}

	kept := entries[:0]
	found := false
	for _, meta := range entries {
		if meta.SessionID == sessionID {
			found = true
			continue
		}
		kept = append(kept, meta)
	}
	if !found {
		return false, nil
	}

	if err := s.writeIndex(kept); err != nil {
		return false, err
	}
	if err := os.Remove(s.sessionFile(sessionID)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove session file: %w", err)
	}
	return true, nil
}

// DeleteAllSessions implements Store.
func (s *FileStore) DeleteAllSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, meta := range entries {
		ok, err := s.deleteLocked(meta.SessionID)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// RenameSession implements Store.
func (s *FileStore) RenameSession(ctx context.Context, sessionID, title string) (bool, error) {
	meta, err := s.UpdateSession(ctx, sessionID, SessionUpdate{Title: &title})
	if err != nil {
		return false, err
	}
	return meta != nil, nil
}

// SessionExists implements Store.
func (s *FileStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.getLocked(sessionID)
	return meta != nil, err
}

// SessionCount implements Store.
func (s *FileStore) SessionCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readIndex()
	return len(entries), err
}

// EnforceSessionLimit implements Store: sessions beyond the cap are deleted
// oldest-updated first.
func (s *FileStore) EnforceSessionLimit(_ context.Context, maxSessions int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	if len(entries) <= maxSessions {
		return nil, nil
	}

	// Oldest first; ties break by ascending session id.
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
		}
		return entries[i].SessionID < entries[j].SessionID
	})

	var deleted []string
	for _, meta := range entries[:len(entries)-maxSessions] {
		ok, err := s.deleteLocked(meta.SessionID)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, meta.SessionID)
		}
	}
	return deleted, nil
}

// AppendMessage appends a message record to the session's event log. Only
// the file backend offers this; the log doubles as a human-inspectable
// transcript.
func (s *FileStore) AppendMessage(_ context.Context, sessionID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEvent(sessionID, sessionEvent{
		Type:      "message",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Role:      role,
		Content:   content,
	})
}

// GetMessages replays all message records from the session's event log.
func (s *FileStore) GetMessages(_ context.Context, sessionID string) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readEvents(sessionID)
	if err != nil {
		return nil, err
	}
	var messages []StoredMessage
	for _, event := range events {
		if event.Type == "message" {
			messages = append(messages, StoredMessage{Role: event.Role, Content: event.Content})
		}
	}
	return messages, nil
}

// AppendToolCall implements Store.
func (s *FileStore) AppendToolCall(_ context.Context, sessionID string, tc ToolCallEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := tc.Status
	if status == "" {
		status = "complete"
	}
	ts := tc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return s.appendEvent(sessionID, sessionEvent{
		Type:      "tool_call",
		Timestamp: ts.Format(time.RFC3339),
		CallID:    tc.ID,
		Name:      tc.Name,
		Arguments: tc.Arguments,
		Status:    status,
		Output:    tc.Output,
		Error:     tc.Error,
	})
}

// GetToolCalls implements Store, in append order.
func (s *FileStore) GetToolCalls(_ context.Context, sessionID string) ([]ToolCallEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readEvents(sessionID)
	if err != nil {
		return nil, err
	}
	var calls []ToolCallEntry
	for _, event := range events {
		if event.Type != "tool_call" {
			continue
		}
		tc := ToolCallEntry{
			ID:        event.CallID,
			Name:      event.Name,
			Arguments: event.Arguments,
			Status:    event.Status,
			Output:    event.Output,
			Error:     event.Error,
		}
		if event.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, event.Timestamp); err == nil {
				tc.Timestamp = parsed
			}
		}
		calls = append(calls, tc)
	}
	return calls, nil
}

// Close implements Store; the file backend holds no open handles.
func (s *FileStore) Close() error {
	return nil
}

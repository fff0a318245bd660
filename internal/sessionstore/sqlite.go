package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists session metadata and tool-call audit trails in
// SQLite, scoped by user id.
type SQLiteStore struct {
	db     *sql.DB
	userID string
}

// NewSQLiteStore opens (or creates) the metadata database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath, userID string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, userID: userID}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id    TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		title         TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		preview       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		rowid_seq  INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		call_id    TEXT NOT NULL,
		name       TEXT NOT NULL,
		arguments  TEXT NOT NULL,
		status     TEXT NOT NULL,
		output     TEXT NOT NULL,
		error      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(user_id, session_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateSession implements Store.
func (s *SQLiteStore) CreateSession(ctx context.Context, sessionID, title string) (*SessionMetadata, error) {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO sessions (session_id, user_id, title, created_at, updated_at, message_count, preview)
		VALUES (?, ?, ?, ?, ?, 0, '')
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, s.userID, title, now.UnixNano(), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &SessionMetadata{
		SessionID: sessionID,
		UserID:    s.userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetSession implements Store.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at, message_count, preview
		FROM sessions WHERE user_id = ? AND session_id = ?
	`
	meta, err := scanSession(s.db.QueryRowContext(ctx, query, s.userID, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return meta, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionMetadata, error) {
	var meta SessionMetadata
	var createdAt, updatedAt int64
	if err := row.Scan(&meta.SessionID, &meta.UserID, &meta.Title, &createdAt, &updatedAt, &meta.MessageCount, &meta.Preview); err != nil {
		return nil, err
	}
	meta.CreatedAt = time.Unix(0, createdAt).UTC()
	meta.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &meta, nil
}

// ListSessions implements Store. Ties on updated_at order by session id so
// the listing is stable.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionMetadata, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at, message_count, preview
		FROM sessions WHERE user_id = ?
		ORDER BY updated_at DESC, session_id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, s.userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionMetadata
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *meta)
	}
	return sessions, rows.Err()
}

// UpdateSession implements Store. Always bumps updated_at; returns nil for
// unknown sessions.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) (*SessionMetadata, error) {
	meta, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	if update.Title != nil {
		meta.Title = *update.Title
	}
	if update.Preview != nil {
		meta.Preview = truncatePreview(*update.Preview)
	}
	if update.MessageCount != nil {
		meta.MessageCount = *update.MessageCount
	}
	meta.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE sessions SET title = ?, preview = ?, message_count = ?, updated_at = ?
		WHERE user_id = ? AND session_id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, meta.Title, meta.Preview, meta.MessageCount, meta.UpdatedAt.UnixNano(), s.userID, sessionID); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return meta, nil
}

// DeleteSession implements Store. Tool calls go with the session; checkpoint
// data is owned elsewhere.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND session_id = ?`, s.userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE user_id = ? AND session_id = ?`, s.userID, sessionID); err != nil {
		return false, fmt.Errorf("failed to delete tool calls: %w", err)
	}
	return true, nil
}

// DeleteAllSessions implements Store.
func (s *SQLiteStore) DeleteAllSessions(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, s.userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE user_id = ?`, s.userID); err != nil {
		return 0, fmt.Errorf("failed to delete tool calls: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// RenameSession implements Store.
func (s *SQLiteStore) RenameSession(ctx context.Context, sessionID, title string) (bool, error) {
	meta, err := s.UpdateSession(ctx, sessionID, SessionUpdate{Title: &title})
	if err != nil {
		return false, err
	}
	return meta != nil, nil
}

// SessionExists implements Store.
func (s *SQLiteStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE user_id = ? AND session_id = ?`, s.userID, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return true, nil
}

// SessionCount implements Store.
func (s *SQLiteStore) SessionCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, s.userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// EnforceSessionLimit implements Store: sessions beyond the cap are deleted
// oldest-updated first.
func (s *SQLiteStore) EnforceSessionLimit(ctx context.Context, maxSessions int) ([]string, error) {
	count, err := s.SessionCount(ctx)
	if err != nil {
		return nil, err
	}
	if count <= maxSessions {
		return nil, nil
	}

	query := `
		SELECT session_id FROM sessions WHERE user_id = ?
		ORDER BY updated_at ASC, session_id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, s.userID, count-maxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest sessions: %w", err)
	}
	defer rows.Close()

	var oldest []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		oldest = append(oldest, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var deleted []string
	for _, id := range oldest {
		ok, err := s.DeleteSession(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// AppendToolCall implements Store.
func (s *SQLiteStore) AppendToolCall(ctx context.Context, sessionID string, tc ToolCallEntry) error {
	ts := tc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	status := tc.Status
	if status == "" {
		status = "complete"
	}
	query := `
		INSERT INTO tool_calls (user_id, session_id, call_id, name, arguments, status, output, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, s.userID, sessionID, tc.ID, tc.Name, tc.Arguments, status, tc.Output, tc.Error, ts.UnixNano()); err != nil {
		return fmt.Errorf("failed to append tool call: %w", err)
	}
	return nil
}

// GetToolCalls implements Store, in append order.
func (s *SQLiteStore) GetToolCalls(ctx context.Context, sessionID string) ([]ToolCallEntry, error) {
	query := `
		SELECT call_id, name, arguments, status, output, error, created_at
		FROM tool_calls WHERE user_id = ? AND session_id = ?
		ORDER BY rowid_seq
	`
	rows, err := s.db.QueryContext(ctx, query, s.userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCallEntry
	for rows.Next() {
		var tc ToolCallEntry
		var createdAt int64
		if err := rows.Scan(&tc.ID, &tc.Name, &tc.Arguments, &tc.Status, &tc.Output, &tc.Error, &createdAt); err != nil {
			return nil, err
		}
		tc.Timestamp = time.Unix(0, createdAt).UTC()
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

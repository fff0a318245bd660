package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSaver persists one checkpoint row per thread, stored as a JSON blob.
type SQLiteSaver struct {
	db *sql.DB
}

// NewSQLiteSaver opens (or creates) the checkpoint database at dbPath.
func NewSQLiteSaver(ctx context.Context, dbPath string) (*SQLiteSaver, error) {
	// WAL mode allows readers to proceed while a write is in flight.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers well.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteSaver{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteSaver) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id  TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Put implements Saver. The latest checkpoint replaces any previous one for
// the thread.
func (s *SQLiteSaver) Put(ctx context.Context, threadID string, cp Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	query := `
		INSERT INTO checkpoints (thread_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, threadID, payload, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// GetLatest implements Saver. It returns nil with no error when the thread
// has no checkpoint.
func (s *SQLiteSaver) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var payload []byte
	query := `SELECT payload FROM checkpoints WHERE thread_id = ?`
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Close closes the database connection.
func (s *SQLiteSaver) Close() error {
	return s.db.Close()
}

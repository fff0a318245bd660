package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// MemoryRecord is one durable fact or episode extracted from conversations.
type MemoryRecord struct {
	ID            string
	Type          string // "semantic" | "episodic" | "procedural"
	Content       string
	Tags          []string
	SourceSession string
	CreatedAt     time.Time
}

// Store is the long-term memory backend boundary.
type Store interface {
	Put(ctx context.Context, rec MemoryRecord) error
	Search(ctx context.Context, query, memType string, limit int) ([]MemoryRecord, error)
	Close() error
}

// ChromemStore persists memories in a chromem-go vector database with one
// collection per user.
type ChromemStore struct {
	mu      sync.RWMutex
	db      *chromem.DB
	userID  string
	embedFn chromem.EmbeddingFunc
}

// NewChromemStore opens (or creates) the persistent vector store under
// dataDir. embedFn is typically chromem.NewEmbeddingFuncOpenAICompat pointed
// at the configured embeddings endpoint.
func NewChromemStore(dataDir, userID string, embedFn chromem.EmbeddingFunc) (*ChromemStore, error) {
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create vectorstore dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vectorstore: %w", err)
	}
	return &ChromemStore{db: db, userID: userID, embedFn: embedFn}, nil
}

func (s *ChromemStore) collectionName() string {
	return fmt.Sprintf("user_%s_memories", s.userID)
}

func (s *ChromemStore) getOrCreateCollection() *chromem.Collection {
	name := s.collectionName()
	col := s.db.GetCollection(name, s.embedFn)
	if col == nil {
		var err error
		col, err = s.db.CreateCollection(name, nil, s.embedFn)
		if err != nil {
			log.Printf("memory: failed to create collection for user %s: %v", s.userID, err)
			return nil
		}
	}
	return col
}

// Put implements Store.
func (s *ChromemStore) Put(ctx context.Context, rec MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.getOrCreateCollection()
	if col == nil {
		return fmt.Errorf("memory: nil collection for user %s", s.userID)
	}

	doc := chromem.Document{
		ID:      rec.ID,
		Content: rec.Content,
		Metadata: map[string]string{
			"type":           rec.Type,
			"tags":           strings.Join(rec.Tags, " "),
			"source_session": rec.SourceSession,
			"created_at":     rec.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
	return col.AddDocument(ctx, doc)
}

// Search implements Store. memType filters on the record type when non-empty.
func (s *ChromemStore) Search(ctx context.Context, query, memType string, limit int) ([]MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.getOrCreateCollection()
	if col == nil {
		return nil, nil
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	var where map[string]string
	if memType != "" {
		where = map[string]string{"type": memType}
	}

	var results []chromem.Result
	var err error
	// chromem-go sometimes rejects nResults despite Count checks; step down
	// until the query succeeds.
	for attempt := limit; attempt > 0; attempt-- {
		results, err = col.Query(ctx, query, attempt, where, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]MemoryRecord, 0, len(results))
	for _, r := range results {
		rec := MemoryRecord{
			ID:            r.ID,
			Content:       r.Content,
			Type:          r.Metadata["type"],
			SourceSession: r.Metadata["source_session"],
		}
		if tags := r.Metadata["tags"]; tags != "" {
			rec.Tags = strings.Fields(tags)
		}
		if ts := r.Metadata["created_at"]; ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				rec.CreatedAt = parsed
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements Store. chromem persists on every write, so there is
// nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

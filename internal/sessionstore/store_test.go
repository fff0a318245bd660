package sessionstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqliteStore, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "sessions.db"), "alice")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	fileStore, err := NewFileStore(t.TempDir(), "alice")
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	return map[string]Store{
		"sqlite": sqliteStore,
		"file":   fileStore,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			meta, err := store.CreateSession(ctx, "sess-1", "")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if meta.Title != DefaultTitle {
				t.Errorf("expected default title, got %q", meta.Title)
			}
			if meta.UserID != "alice" {
				t.Errorf("expected user scoping, got %q", meta.UserID)
			}

			got, err := store.GetSession(ctx, "sess-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got == nil || got.SessionID != "sess-1" {
				t.Fatalf("unexpected session: %+v", got)
			}

			if missing, err := store.GetSession(ctx, "nope"); err != nil || missing != nil {
				t.Errorf("expected nil for unknown session, got %+v, %v", missing, err)
			}

			exists, err := store.SessionExists(ctx, "sess-1")
			if err != nil || !exists {
				t.Errorf("session should exist: %v, %v", exists, err)
			}
		})
	}
}

func TestListSessionsOrdering(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if _, err := store.CreateSession(ctx, fmt.Sprintf("sess-%d", i), ""); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			// Touching the oldest session moves it to the front.
			preview := "checked pods"
			if _, err := store.UpdateSession(ctx, "sess-0", SessionUpdate{Preview: &preview}); err != nil {
				t.Fatalf("update: %v", err)
			}

			sessions, err := store.ListSessions(ctx, 10)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(sessions) != 3 {
				t.Fatalf("expected 3 sessions, got %d", len(sessions))
			}
			if sessions[0].SessionID != "sess-0" {
				t.Errorf("most recently updated should list first, got %s", sessions[0].SessionID)
			}

			limited, err := store.ListSessions(ctx, 2)
			if err != nil {
				t.Fatalf("list limited: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("expected limit to apply, got %d", len(limited))
			}
		})
	}
}

func TestUpdateSessionTruncatesPreview(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.CreateSession(ctx, "sess-1", ""); err != nil {
				t.Fatalf("create: %v", err)
			}

			long := strings.Repeat("x", 250)
			count := 7
			meta, err := store.UpdateSession(ctx, "sess-1", SessionUpdate{Preview: &long, MessageCount: &count})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if len(meta.Preview) != 100 {
				t.Errorf("preview should truncate to 100 chars, got %d", len(meta.Preview))
			}
			if meta.MessageCount != 7 {
				t.Errorf("message count not applied: %d", meta.MessageCount)
			}
			if !meta.UpdatedAt.After(meta.CreatedAt) {
				t.Error("updated_at should bump past created_at")
			}

			// Truncation counts runes, never splitting a multi-byte one.
			multi := strings.Repeat("é", 150)
			meta, err = store.UpdateSession(ctx, "sess-1", SessionUpdate{Preview: &multi})
			if err != nil {
				t.Fatalf("update multibyte: %v", err)
			}
			if got := len([]rune(meta.Preview)); got != 100 {
				t.Errorf("multibyte preview should truncate to 100 runes, got %d", got)
			}
			if !utf8.ValidString(meta.Preview) {
				t.Error("truncation produced invalid UTF-8")
			}

			if updated, err := store.UpdateSession(ctx, "missing", SessionUpdate{}); err != nil || updated != nil {
				t.Errorf("expected nil for unknown session, got %+v, %v", updated, err)
			}
		})
	}
}

func TestEnforceSessionLimit(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 6; i++ {
				if _, err := store.CreateSession(ctx, fmt.Sprintf("sess-%d", i), ""); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			deleted, err := store.EnforceSessionLimit(ctx, 3)
			if err != nil {
				t.Fatalf("enforce: %v", err)
			}
			if len(deleted) != 3 {
				t.Fatalf("expected 3 deletions, got %v", deleted)
			}
			// The oldest three go first.
			for i, want := range []string{"sess-0", "sess-1", "sess-2"} {
				if deleted[i] != want {
					t.Errorf("deleted[%d] = %s, want %s", i, deleted[i], want)
				}
			}

			count, err := store.SessionCount(ctx)
			if err != nil || count != 3 {
				t.Errorf("expected 3 remaining, got %d, %v", count, err)
			}

			// Under the cap, enforcement is a no-op.
			if deleted, err := store.EnforceSessionLimit(ctx, 3); err != nil || len(deleted) != 0 {
				t.Errorf("expected no deletions under cap, got %v, %v", deleted, err)
			}
		})
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.CreateSession(ctx, "sess-1", ""); err != nil {
				t.Fatalf("create: %v", err)
			}

			ok, err := store.DeleteSession(ctx, "sess-1")
			if err != nil || !ok {
				t.Fatalf("delete: %v, %v", ok, err)
			}
			if ok, _ := store.DeleteSession(ctx, "sess-1"); ok {
				t.Error("second delete should report not found")
			}
			if exists, _ := store.SessionExists(ctx, "sess-1"); exists {
				t.Error("deleted session should not exist")
			}
		})
	}
}

func TestDeleteAllSessions(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 4; i++ {
				if _, err := store.CreateSession(ctx, fmt.Sprintf("sess-%d", i), ""); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			n, err := store.DeleteAllSessions(ctx)
			if err != nil || n != 4 {
				t.Fatalf("delete all: %d, %v", n, err)
			}
			if count, _ := store.SessionCount(ctx); count != 0 {
				t.Errorf("expected empty store, got %d", count)
			}
		})
	}
}

func TestRenameSession(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.CreateSession(ctx, "sess-1", ""); err != nil {
				t.Fatalf("create: %v", err)
			}
			ok, err := store.RenameSession(ctx, "sess-1", "pod debugging")
			if err != nil || !ok {
				t.Fatalf("rename: %v, %v", ok, err)
			}
			meta, _ := store.GetSession(ctx, "sess-1")
			if meta.Title != "pod debugging" {
				t.Errorf("title not applied: %q", meta.Title)
			}
			if ok, _ := store.RenameSession(ctx, "missing", "x"); ok {
				t.Error("renaming unknown session should report not found")
			}
		})
	}
}

func TestToolCallAuditTrail(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.CreateSession(ctx, "sess-1", ""); err != nil {
				t.Fatalf("create: %v", err)
			}

			calls := []ToolCallEntry{
				{ID: "c1", Name: "list_pods", Arguments: `{"namespace":"default"}`, Status: "complete", Output: "3 pods"},
				{ID: "c2", Name: "get_logs", Arguments: `{"pod":"api-0"}`, Status: "error", Error: "pod not found"},
			}
			for _, tc := range calls {
				if err := store.AppendToolCall(ctx, "sess-1", tc); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := store.GetToolCalls(ctx, "sess-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 tool calls, got %d", len(got))
			}
			if got[0].ID != "c1" || got[1].ID != "c2" {
				t.Errorf("tool calls out of order: %+v", got)
			}
			if got[1].Status != "error" || got[1].Error != "pod not found" {
				t.Errorf("error fields lost: %+v", got[1])
			}
		})
	}
}

func TestFileStoreMessages(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), "alice")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := store.CreateSession(ctx, "sess-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.AppendMessage(ctx, "sess-1", "user", "check the nodes"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendMessage(ctx, "sess-1", "assistant", "all nodes ready"); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := store.GetMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Content != "all nodes ready" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestFileStoreUserIsolation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	aliceStore, err := NewFileStore(dir, "alice")
	if err != nil {
		t.Fatalf("new alice: %v", err)
	}
	bobStore, err := NewFileStore(dir, "bob")
	if err != nil {
		t.Fatalf("new bob: %v", err)
	}

	if _, err := aliceStore.CreateSession(ctx, "a-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := bobStore.CreateSession(ctx, "b-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Bob's mutations must not disturb Alice's index entries.
	if _, err := bobStore.DeleteAllSessions(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	sessions, err := aliceStore.ListSessions(ctx, 10)
	if err != nil || len(sessions) != 1 || sessions[0].SessionID != "a-1" {
		t.Fatalf("alice sessions damaged: %+v, %v", sessions, err)
	}
}

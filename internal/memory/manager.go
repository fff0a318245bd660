package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/k8sops/k8sops/internal/engine"
)

// SeedQuery is the fixed query used to pull relevant memories when a session
// starts, before any user input exists to search with.
const SeedQuery = "kubernetes troubleshooting cluster operations"

// Options configures a Manager.
type Options struct {
	MaxContextTokens   int     // model context budget
	ContextThreshold   float64 // fraction of the budget that triggers summarization
	KeepRecent         int     // messages kept verbatim when summarizing
	ExtractionInterval int     // unseen messages needed before extraction runs
	MaxMemories        int     // retrieval result cap
}

func (o *Options) applyDefaults() {
	if o.MaxContextTokens <= 0 {
		o.MaxContextTokens = 100000
	}
	if o.ContextThreshold <= 0 {
		o.ContextThreshold = 0.8
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = 4
	}
	if o.ExtractionInterval <= 0 {
		o.ExtractionInterval = 5
	}
	if o.MaxMemories <= 0 {
		o.MaxMemories = 5
	}
}

// Manager handles conversation summarization and long-term memory for one
// session. A nil store disables long-term memory: retrieval returns nothing
// and extraction is a no-op, but summarization still works.
type Manager struct {
	store Store
	llm   engine.LLMClient
	model string
	est   engine.TokenEstimator
	opts  Options

	// lastExtractedIndex is the watermark: how many messages have already
	// been scanned for durable facts.
	lastExtractedIndex int

	// sourceSession tags stored records with the session they came from.
	sourceSession string
}

// SetSource sets the session id recorded on subsequently stored memories.
func (m *Manager) SetSource(sessionID string) {
	m.sourceSession = sessionID
}

// NewManager creates a memory manager. llm is used for summarization and
// extraction; store may be nil to disable long-term memory.
func NewManager(store Store, llm engine.LLMClient, model string, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		store: store,
		llm:   llm,
		model: model,
		est:   engine.HeuristicEstimator{},
		opts:  opts,
	}
}

// Enabled reports whether long-term memory is available.
func (m *Manager) Enabled() bool {
	return m.store != nil
}

// KeepRecent returns the configured verbatim tail size for summarization.
func (m *Manager) KeepRecent() int {
	return m.opts.KeepRecent
}

// ShouldSummarize reports whether the running conversation exceeds the
// configured fraction of the context budget. Token counts are a cheap
// length-based heuristic; this gates a soft threshold, not a hard limit.
func (m *Manager) ShouldSummarize(messages []engine.ChatMessage) bool {
	total := engine.EstimateMessages(m.est, messages)
	return float64(total) > m.opts.ContextThreshold*float64(m.opts.MaxContextTokens)
}

// SummarizeAndTrim collapses all but the last keepRecent messages into one
// synthetic assistant message carrying the model's summary. The summary is
// also persisted as an episodic memory. No-op when the conversation is
// already short enough.
func (m *Manager) SummarizeAndTrim(ctx context.Context, messages []engine.ChatMessage, keepRecent int) ([]engine.ChatMessage, error) {
	if keepRecent <= 0 {
		keepRecent = m.opts.KeepRecent
	}
	if len(messages) <= keepRecent {
		return messages, nil
	}

	prefix := messages[:len(messages)-keepRecent]
	tail := messages[len(messages)-keepRecent:]

	prompt := fmt.Sprintf(summaryPrompt, engine.RenderTranscript(prefix))
	resp, err := m.llm.Chat(ctx, m.model, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: prompt},
	}, nil, engine.ChatOptions{})
	if err != nil {
		return nil, fmt.Errorf("memory: summarization failed: %w", err)
	}
	summary := strings.TrimSpace(resp.Assistant.Content)

	if err := m.StoreMemory(ctx, "episodic", summary, []string{"conversation_summary"}); err != nil {
		log.Printf("memory: failed to persist summary: %v", err)
	}

	synthetic := engine.ChatMessage{
		Role:    engine.RoleAssistant,
		Content: fmt.Sprintf("[Previous conversation summary: %s]", summary),
	}
	out := make([]engine.ChatMessage, 0, 1+len(tail))
	out = append(out, synthetic)
	out = append(out, tail...)

	// Re-base the watermark onto the trimmed transcript so messages in the
	// kept tail keep their scanned state.
	removed := len(messages) - len(out)
	m.lastExtractedIndex -= removed
	if m.lastExtractedIndex < 0 {
		m.lastExtractedIndex = 0
	}
	if m.lastExtractedIndex > len(out) {
		m.lastExtractedIndex = len(out)
	}
	return out, nil
}

// ShouldExtract reports whether enough unseen messages have accumulated to
// justify an extraction model call.
func (m *Manager) ShouldExtract(messageCount int) bool {
	if !m.Enabled() {
		return false
	}
	return messageCount-m.lastExtractedIndex >= m.opts.ExtractionInterval
}

// ExtractIncremental scans unseen messages for durable facts, but only once
// the interval threshold is met. Used during an active session.
func (m *Manager) ExtractIncremental(ctx context.Context, messages []engine.ChatMessage) (int, error) {
	if !m.ShouldExtract(len(messages)) {
		return 0, nil
	}
	return m.extractUnseen(ctx, messages)
}

// ExtractRemaining scans all unseen messages regardless of the interval.
// Used at session teardown so the last partial batch is not dropped.
func (m *Manager) ExtractRemaining(ctx context.Context, messages []engine.ChatMessage) (int, error) {
	if !m.Enabled() || len(messages) <= m.lastExtractedIndex {
		return 0, nil
	}
	return m.extractUnseen(ctx, messages)
}

// extractUnseen runs the extraction protocol over messages past the
// watermark, then advances the watermark to len(messages). A malformed model
// response is logged and treated as zero memories, never an error.
func (m *Manager) extractUnseen(ctx context.Context, messages []engine.ChatMessage) (int, error) {
	unseen := messages[m.lastExtractedIndex:]
	prompt := fmt.Sprintf(extractionPrompt, engine.RenderTranscript(unseen))

	resp, err := m.llm.Chat(ctx, m.model, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: prompt},
	}, nil, engine.ChatOptions{})
	if err != nil {
		return 0, fmt.Errorf("memory: extraction failed: %w", err)
	}

	extracted := parseExtraction(resp.Assistant.Content)
	stored := 0
	for _, item := range extracted {
		if item.Content == "" {
			continue
		}
		memType := item.Type
		if memType == "" {
			memType = "semantic"
		}
		if err := m.StoreMemory(ctx, memType, item.Content, item.Tags); err != nil {
			log.Printf("memory: failed to store extracted memory: %v", err)
			continue
		}
		stored++
	}

	m.lastExtractedIndex = len(messages)
	return stored, nil
}

type extractedItem struct {
	Type    string   `json:"type"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// parseExtraction locates the JSON array in the model output, tolerating
// prose wrapping it. Any parse failure yields an empty result.
func parseExtraction(text string) []extractedItem {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		log.Printf("memory: no JSON array in extraction output")
		return nil
	}

	var items []extractedItem
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		log.Printf("memory: malformed extraction output: %v", err)
		return nil
	}
	return items
}

// StoreMemory persists one memory record under the user's namespace.
func (m *Manager) StoreMemory(ctx context.Context, memType, content string, tags []string) error {
	if !m.Enabled() {
		return nil
	}
	rec := MemoryRecord{
		ID:            uuid.NewString()[:8],
		Type:          memType,
		Content:       content,
		Tags:          tags,
		SourceSession: m.sourceSession,
		CreatedAt:     time.Now(),
	}
	return m.store.Put(ctx, rec)
}

// Close releases the long-term store, if any.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// RetrieveRelevantMemories performs a similarity search bounded by the
// configured result cap. Backend failures yield an empty result.
func (m *Manager) RetrieveRelevantMemories(ctx context.Context, query, memType string) []MemoryRecord {
	if !m.Enabled() {
		return nil
	}
	records, err := m.store.Search(ctx, query, memType, m.opts.MaxMemories)
	if err != nil {
		log.Printf("memory: retrieval failed: %v", err)
		return nil
	}
	return records
}

// FormatForContext renders retrieved memories as a block suitable for the
// agent's system context.
func FormatForContext(records []MemoryRecord) string {
	if len(records) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant memories from previous sessions:\n")
	for _, rec := range records {
		sb.WriteString("- ")
		if rec.Type != "" {
			sb.WriteString("[")
			sb.WriteString(rec.Type)
			sb.WriteString("] ")
		}
		sb.WriteString(rec.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

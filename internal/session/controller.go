package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/k8sops/k8sops/internal/agent"
	"github.com/k8sops/k8sops/internal/checkpoint"
	"github.com/k8sops/k8sops/internal/engine"
	"github.com/k8sops/k8sops/internal/mcpconn"
	"github.com/k8sops/k8sops/internal/memory"
	"github.com/k8sops/k8sops/internal/sessionstore"
)

const welcomeText = "Connected to K8S MCP server. Ready to help with your cluster!"

const basePrompt = `You are a Kubernetes operations assistant with access to cluster management tools. Use them to inspect and operate the cluster on the user's behalf. Be precise about namespaces and resource names, and report what each action actually did.`

const (
	titleLimit   = 50
	previewLimit = 100
)

// Closeable is the teardown capability every owned resource implements,
// even as a no-op, so cleanup never probes for a close method.
type Closeable interface {
	Close() error
}

// ToolConn is the tool-server connection the controller owns.
// *mcpconn.ToolConnection satisfies it; tests substitute fakes.
type ToolConn interface {
	Connect(ctx context.Context) ([]mcpconn.ToolDefinition, error)
	Disconnect() error
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Schemas() []engine.ToolSchema
	Closeable
}

var _ ToolConn = (*mcpconn.ToolConnection)(nil)

// Deps are the controller's injected collaborators. Store and Memory may be
// nil, disabling metadata tracking and long-term memory respectively. Saver
// is created once by the caller and reused across model switches.
type Deps struct {
	Store       sessionstore.Store
	Saver       checkpoint.Saver
	Memory      *memory.Manager
	MaxSessions int

	NewLLM  func(settings Settings) (engine.LLMClient, error)
	NewConn func(settings Settings) ToolConn
}

// Controller composes the tool connection, model, checkpointer, memory
// manager, and metadata store into one addressable, resumable conversation.
type Controller struct {
	SessionID string

	mu       sync.Mutex
	settings Settings
	deps     Deps

	conn          ToolConn
	llm           engine.LLMClient
	ag            *agent.Agent
	tools         []mcpconn.ToolDefinition
	modelKey      string
	memoryContext string
	prompt        string

	visible   []Message
	toolCalls []ToolCallRecord
	titleSet  bool
	connected bool
	ready     bool
	lastError string
}

// NewController creates a controller for the given session id; an empty id
// gets a fresh one. The session id doubles as the checkpoint thread id.
func NewController(sessionID string, settings Settings, deps Deps) *Controller {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if deps.MaxSessions <= 0 {
		deps.MaxSessions = 10
	}
	return &Controller{
		SessionID: sessionID,
		settings:  settings,
		deps:      deps,
	}
}

// Initialize connects the tool server, resolves session metadata, seeds the
// agent with memory context, and restores history when resuming. Connection
// failures are fatal; initialization does not partially succeed.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}
	c.lastError = ""

	c.conn = c.deps.NewConn(c.settings)
	tools, err := c.conn.Connect(ctx)
	if err != nil {
		c.connected = false
		c.lastError = err.Error()
		return fmt.Errorf("session: tool connection failed: %w", err)
	}
	c.tools = tools
	c.connected = true

	resuming, err := c.resolveMetadata(ctx)
	if err != nil {
		// Metadata is maintenance, not a prerequisite for conversing.
		log.Printf("session %s: metadata store error: %v", c.shortID(), err)
	}

	if c.deps.Memory != nil {
		c.deps.Memory.SetSource(c.SessionID)
	}
	memories := c.retrieveSeedMemories(ctx)
	c.memoryContext = memory.FormatForContext(memories)

	if err := c.buildAgent(); err != nil {
		return err
	}

	if resuming {
		restored, err := c.restoreFromCheckpoint(ctx)
		if err != nil {
			log.Printf("session %s: checkpoint restore failed: %v", c.shortID(), err)
		}
		if restored {
			c.titleSet = true
			log.Printf("session %s: resumed with history", c.shortID())
		} else {
			c.setWelcome(len(memories))
		}
	} else {
		c.setWelcome(len(memories))
	}

	c.ready = true
	return nil
}

func (c *Controller) shortID() string {
	if len(c.SessionID) > 8 {
		return c.SessionID[:8]
	}
	return c.SessionID
}

// resolveMetadata bumps or creates the session record. Returns whether this
// is a resume of an existing session.
func (c *Controller) resolveMetadata(ctx context.Context) (bool, error) {
	if c.deps.Store == nil {
		return false, nil
	}

	exists, err := c.deps.Store.SessionExists(ctx, c.SessionID)
	if err != nil {
		return false, err
	}
	if exists {
		if _, err := c.deps.Store.UpdateSession(ctx, c.SessionID, sessionstore.SessionUpdate{}); err != nil {
			return true, err
		}
		return true, nil
	}

	if _, err := c.deps.Store.CreateSession(ctx, c.SessionID, ""); err != nil {
		return false, err
	}
	if deleted, err := c.deps.Store.EnforceSessionLimit(ctx, c.deps.MaxSessions); err != nil {
		return false, err
	} else if len(deleted) > 0 {
		log.Printf("session %s: evicted %d oldest sessions", c.shortID(), len(deleted))
	}
	return false, nil
}

// retrieveSeedMemories pulls a fixed-query memory snapshot before any user
// input exists to search with.
func (c *Controller) retrieveSeedMemories(ctx context.Context) []memory.MemoryRecord {
	if c.deps.Memory == nil {
		return nil
	}
	return c.deps.Memory.RetrieveRelevantMemories(ctx, memory.SeedQuery, "")
}

func (c *Controller) buildAgent() error {
	llm, err := c.deps.NewLLM(c.settings)
	if err != nil {
		return fmt.Errorf("session: model setup failed: %w", err)
	}
	c.llm = llm

	prompt := basePrompt
	if c.memoryContext != "" {
		prompt += "\n\n" + c.memoryContext
	}
	c.prompt = prompt

	c.ag = agent.New(agent.Config{
		LLM:          llm,
		Tools:        c.conn,
		Schemas:      c.conn.Schemas(),
		Saver:        c.deps.Saver,
		ThreadID:     c.SessionID,
		Model:        c.settings.ModelName,
		Options:      engine.ChatOptions{Temperature: c.settings.Temperature},
		SystemPrompt: prompt,
	})
	c.modelKey = c.settings.ModelKey()
	return nil
}

// restoreFromCheckpoint loads the latest checkpoint for this thread and
// rebuilds both the agent transcript and the visible message list (user and
// assistant text only). The persisted system entry is stale; the prompt built
// during this initialization carries the memories retrieved just now, so it
// replaces whatever system text was checkpointed.
func (c *Controller) restoreFromCheckpoint(ctx context.Context) (bool, error) {
	if c.deps.Saver == nil {
		return false, nil
	}

	cp, err := c.deps.Saver.GetLatest(ctx, c.SessionID)
	if err != nil {
		return false, err
	}
	if cp == nil || len(cp.ChannelValues.Messages) == 0 {
		return false, nil
	}

	entries := cp.ChannelValues.Messages
	msgs := checkpoint.ToChatMessages(entries)
	for len(msgs) > 0 && msgs[0].Role == engine.RoleSystem {
		msgs = msgs[1:]
	}
	full := make([]engine.ChatMessage, 0, len(msgs)+1)
	full = append(full, engine.ChatMessage{Role: engine.RoleSystem, Content: c.prompt})
	full = append(full, msgs...)
	c.ag.SetMessages(full)
	c.visible = visibleFromEntries(entries)
	return len(c.visible) > 0, nil
}

func visibleFromEntries(entries []checkpoint.Entry) []Message {
	var visible []Message
	for _, e := range entries {
		if e.Content == "" {
			continue
		}
		switch e.Kind {
		case checkpoint.KindHuman:
			visible = append(visible, Message{Role: "user", Content: e.Content})
		case checkpoint.KindAI:
			visible = append(visible, Message{Role: "assistant", Content: e.Content})
		}
	}
	return visible
}

func (c *Controller) setWelcome(memoryCount int) {
	text := welcomeText
	if memoryCount > 0 {
		text += fmt.Sprintf("\n\n[Retrieved %d relevant memories from previous sessions]", memoryCount)
	}
	c.visible = []Message{{Role: "assistant", Content: text}}
}

// SendMessage runs one turn and streams its events. Empty input yields a
// closed channel with no events; a controller that is not ready yields a
// single error event.
func (c *Controller) SendMessage(ctx context.Context, content string) <-chan Event {
	events := make(chan Event, 32)
	content = strings.TrimSpace(content)

	if content == "" {
		close(events)
		return events
	}

	go func() {
		defer close(events)
		c.mu.Lock()
		defer c.mu.Unlock()

		if !c.ready {
			events <- Event{Type: EventError, Message: "Agent not ready. Please wait for initialization."}
			return
		}
		c.runTurn(ctx, content, events)
	}()

	return events
}

// runTurn drives one turn with c.mu held, translating the agent's trace into
// the event stream.
func (c *Controller) runTurn(ctx context.Context, content string, events chan<- Event) {
	// A consumer that walked away cancels ctx; emission stops rather than
	// blocking the turn on a full channel.
	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	if c.maybeSummarize(ctx) {
		emit(Event{Type: EventSystem, Content: "Conversation summarized to manage context."})
	}

	c.visible = append(c.visible, Message{Role: "user", Content: content})
	emit(Event{Type: EventUserMessage, Content: content})

	c.maybeSetTitle(ctx, content)

	c.toolCalls = nil

	hooks := agent.Hooks{
		OnToken: func(text string) {
			emit(Event{Type: EventToken, Content: text})
		},
		OnToolStart: func(callID, name string, args map[string]any) {
			rec := ToolCallRecord{
				ID:        callID,
				Name:      name,
				Arguments: agent.ArgsJSON(args),
				Status:    "running",
			}
			c.toolCalls = append(c.toolCalls, rec)
			recCopy := rec
			emit(Event{Type: EventToolStart, ToolCall: &recCopy})
		},
		OnToolEnd: func(callID, name, output string, err error) {
			for i := range c.toolCalls {
				if c.toolCalls[i].ID != callID {
					continue
				}
				if err != nil {
					c.toolCalls[i].Status = "error"
					c.toolCalls[i].Error = err.Error()
				} else {
					c.toolCalls[i].Status = "complete"
					c.toolCalls[i].Output = output
				}
				recCopy := c.toolCalls[i]
				emit(Event{Type: EventToolEnd, ToolCall: &recCopy})
				c.auditToolCall(ctx, c.toolCalls[i])
				break
			}
		},
	}

	finalText, err := c.ag.RunTurn(ctx, content, hooks)
	if err != nil {
		errMsg := fmt.Sprintf("Error: %v", err)
		c.visible = append(c.visible, Message{Role: "assistant", Content: errMsg})
		c.ag.AppendMessage(engine.ChatMessage{Role: engine.RoleAssistant, Content: errMsg})
		c.lastError = err.Error()
		emit(Event{Type: EventError, Message: err.Error()})
		return
	}

	c.visible = append(c.visible, Message{Role: "assistant", Content: finalText})
	emit(Event{Type: EventAssistantMessage, Content: finalText})

	c.updateMetadataAfterTurn(ctx, finalText)
	c.maybeExtractMemories(ctx)
}

// maybeSummarize collapses older transcript into a synthetic summary message
// when the token heuristic exceeds the context threshold. The system prompt
// stays in place; only the conversation after it is trimmed.
func (c *Controller) maybeSummarize(ctx context.Context) bool {
	if c.deps.Memory == nil {
		return false
	}

	transcript := c.ag.Messages()
	if !c.deps.Memory.ShouldSummarize(transcript) {
		return false
	}

	head := 0
	if len(transcript) > 0 && transcript[0].Role == engine.RoleSystem {
		head = 1
	}
	trimmed, err := c.deps.Memory.SummarizeAndTrim(ctx, transcript[head:], c.deps.Memory.KeepRecent())
	if err != nil {
		log.Printf("session %s: summarization failed: %v", c.shortID(), err)
		return false
	}

	full := append(append([]engine.ChatMessage{}, transcript[:head]...), trimmed...)
	c.ag.SetMessages(full)
	c.visible = visibleFromEntries(checkpoint.FromChatMessages(trimmed))
	return true
}

// maybeSetTitle derives the session title from the first user message.
func (c *Controller) maybeSetTitle(ctx context.Context, content string) {
	if c.titleSet || c.deps.Store == nil {
		return
	}
	title := content
	if runes := []rune(content); len(runes) > titleLimit {
		title = string(runes[:titleLimit]) + "..."
	}
	if _, err := c.deps.Store.UpdateSession(ctx, c.SessionID, sessionstore.SessionUpdate{Title: &title}); err != nil {
		log.Printf("session %s: title update failed: %v", c.shortID(), err)
		return
	}
	c.titleSet = true
}

func (c *Controller) auditToolCall(ctx context.Context, rec ToolCallRecord) {
	if c.deps.Store == nil {
		return
	}
	err := c.deps.Store.AppendToolCall(ctx, c.SessionID, sessionstore.ToolCallEntry{
		ID:        rec.ID,
		Name:      rec.Name,
		Arguments: rec.Arguments,
		Status:    rec.Status,
		Output:    rec.Output,
		Error:     rec.Error,
	})
	if err != nil {
		log.Printf("session %s: tool call audit failed: %v", c.shortID(), err)
	}
}

func (c *Controller) updateMetadataAfterTurn(ctx context.Context, assistantText string) {
	if c.deps.Store == nil {
		return
	}
	preview := assistantText
	if runes := []rune(preview); len(runes) > previewLimit {
		preview = string(runes[:previewLimit])
	}
	count := len(c.visible)
	if _, err := c.deps.Store.UpdateSession(ctx, c.SessionID, sessionstore.SessionUpdate{
		Preview:      &preview,
		MessageCount: &count,
	}); err != nil {
		log.Printf("session %s: metadata update failed: %v", c.shortID(), err)
	}
}

// maybeExtractMemories attempts incremental extraction after a turn; its
// failure must not fail the turn.
func (c *Controller) maybeExtractMemories(ctx context.Context) {
	if c.deps.Memory == nil {
		return
	}
	n, err := c.deps.Memory.ExtractIncremental(ctx, c.ag.Messages())
	if err != nil {
		log.Printf("session %s: memory extraction failed: %v", c.shortID(), err)
		return
	}
	if n > 0 {
		log.Printf("session %s: stored %d memories", c.shortID(), n)
	}
}

// UpdateSettings applies field changes; if and only if the model key changed
// the agent is rebuilt (new model, same checkpointer, same tool connection,
// same transcript). Reports whether a rebuild occurred.
func (c *Controller) UpdateSettings(update SettingsUpdate) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldKey := c.settings.ModelKey()
	c.settings.apply(update)
	newKey := c.settings.ModelKey()

	if oldKey == newKey || !c.ready {
		return false, nil
	}

	transcript := c.ag.Messages()
	if err := c.buildAgent(); err != nil {
		return false, err
	}
	c.ag.SetMessages(transcript)
	log.Printf("session %s: model changed %s -> %s", c.shortID(), oldKey, newKey)
	return true, nil
}

// Cleanup flushes pending memory extraction, disconnects the tool server,
// and closes the metadata store handle. Each step is best-effort; a failure
// is logged and does not prevent the next step.
func (c *Controller) Cleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deps.Memory != nil && c.ag != nil {
		if _, err := c.deps.Memory.ExtractRemaining(ctx, c.ag.Messages()); err != nil {
			log.Printf("session %s: teardown extraction failed: %v", c.shortID(), err)
		}
	}

	// Every owned resource implements Closeable, so teardown is a uniform
	// walk; one failure never blocks the next resource.
	type namedCloser struct {
		name string
		res  Closeable
	}
	var resources []namedCloser
	if c.conn != nil {
		resources = append(resources, namedCloser{"tool connection", c.conn})
	}
	if c.deps.Store != nil {
		resources = append(resources, namedCloser{"metadata store", c.deps.Store})
	}
	if c.deps.Memory != nil {
		resources = append(resources, namedCloser{"memory store", c.deps.Memory})
	}
	for _, r := range resources {
		if err := r.res.Close(); err != nil {
			log.Printf("session %s: %s close failed: %v", c.shortID(), r.name, err)
		}
	}

	c.conn = nil
	c.ag = nil
	c.connected = false
	c.ready = false
	log.Printf("session %s: cleaned up", c.shortID())
}

// Close implements Closeable for registry teardown.
func (c *Controller) Close() error {
	c.Cleanup(context.Background())
	return nil
}

// Ready reports whether the controller can accept messages.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// CurrentModel returns the active provider/model identifier.
func (c *Controller) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%s/%s", c.settings.Provider, c.settings.ModelName)
}

// Snapshot is an exported view of session state for UIs and tests.
type Snapshot struct {
	SessionID string
	Settings  Settings
	Messages  []Message
	ToolCalls []ToolCallRecord
	Connected bool
	Ready     bool
	LastError string
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := make([]Message, len(c.visible))
	copy(messages, c.visible)
	toolCalls := make([]ToolCallRecord, len(c.toolCalls))
	copy(toolCalls, c.toolCalls)

	return Snapshot{
		SessionID: c.SessionID,
		Settings:  c.settings,
		Messages:  messages,
		ToolCalls: toolCalls,
		Connected: c.connected,
		Ready:     c.ready,
		LastError: c.lastError,
	}
}

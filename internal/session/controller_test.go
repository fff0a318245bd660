package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/k8sops/k8sops/internal/checkpoint"
	"github.com/k8sops/k8sops/internal/engine"
	"github.com/k8sops/k8sops/internal/mcpconn"
	"github.com/k8sops/k8sops/internal/memory"
	"github.com/k8sops/k8sops/internal/sessionstore"
)

// fakeConn is an in-memory tool server connection.
type fakeConn struct {
	tools       []mcpconn.ToolDefinition
	connectErr  error
	disconnects int
	calls       []string
	callOutput  string
	callErr     error
}

func (f *fakeConn) Connect(_ context.Context) ([]mcpconn.ToolDefinition, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.tools, nil
}

func (f *fakeConn) Disconnect() error {
	f.disconnects++
	return nil
}

func (f *fakeConn) Close() error { return f.Disconnect() }

func (f *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	return f.callOutput, f.callErr
}

func (f *fakeConn) Schemas() []engine.ToolSchema {
	schemas := make([]engine.ToolSchema, 0, len(f.tools))
	for _, td := range f.tools {
		schemas = append(schemas, engine.ToolSchema{Name: td.Name, Description: td.Description})
	}
	return schemas
}

// scriptedRound is one canned model response for scriptedLLM.
type scriptedRound struct {
	text      string
	toolCalls []engine.ToolCall
	err       error
}

type scriptedLLM struct {
	rounds []scriptedRound
	calls  int
}

func (s *scriptedLLM) Chat(_ context.Context, _ string, _ []engine.ChatMessage, _ []engine.ToolSchema, _ engine.ChatOptions) (engine.LLMResponse, error) {
	return engine.LLMResponse{Assistant: engine.ChatMessage{Role: engine.RoleAssistant, Content: "summary"}}, nil
}

func (s *scriptedLLM) Stream(_ context.Context, _ string, _ []engine.ChatMessage, _ []engine.ToolSchema, _ engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 16)
	errCh := make(chan error, 1)

	round := scriptedRound{}
	if s.calls < len(s.rounds) {
		round = s.rounds[s.calls]
	}
	s.calls++

	go func() {
		defer close(eventCh)
		defer close(errCh)
		if round.err != nil {
			errCh <- round.err
			return
		}
		for _, word := range strings.Fields(round.text) {
			eventCh <- engine.StreamEvent{Type: "text_delta", Text: word + " "}
		}
		for _, tc := range round.toolCalls {
			eventCh <- engine.StreamEvent{Type: "tool_call", ToolCall: tc}
		}
	}()

	return eventCh, errCh
}

func testStore(t *testing.T) *sessionstore.SQLiteStore {
	t.Helper()
	store, err := sessionstore.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), "alice")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func newTestController(llm engine.LLMClient, conn ToolConn, store sessionstore.Store, saver checkpoint.Saver) *Controller {
	return NewController("sess-1", Settings{
		Provider:    "openai",
		ModelName:   "gpt-test",
		Temperature: 0.7,
	}, Deps{
		Store: store,
		Saver: saver,
		NewLLM: func(Settings) (engine.LLMClient, error) {
			return llm, nil
		},
		NewConn: func(Settings) ToolConn { return conn },
	})
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestInitializeNewSessionWelcome(t *testing.T) {
	store := testStore(t)
	defer store.Close()

	c := newTestController(&scriptedLLM{}, &fakeConn{}, store, checkpoint.NewMemorySaver())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap := c.Snapshot()
	if !snap.Ready || !snap.Connected {
		t.Fatal("controller not ready after initialize")
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != welcomeText {
		t.Errorf("expected welcome message, got %+v", snap.Messages)
	}

	meta, err := store.GetSession(context.Background(), "sess-1")
	if err != nil || meta == nil {
		t.Fatalf("session not created: %v", err)
	}
	if meta.Title != sessionstore.DefaultTitle {
		t.Errorf("expected default title, got %q", meta.Title)
	}
}

func TestInitializeConnectFailure(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("server unreachable")}
	c := newTestController(&scriptedLLM{}, conn, nil, checkpoint.NewMemorySaver())

	if err := c.Initialize(context.Background()); err == nil {
		t.Fatal("expected connect failure to surface")
	}
	if c.Ready() {
		t.Error("controller must not be ready after failed initialize")
	}
}

func TestSendMessageEmptyInput(t *testing.T) {
	c := newTestController(&scriptedLLM{}, &fakeConn{}, nil, checkpoint.NewMemorySaver())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	events := drain(c.SendMessage(context.Background(), "   \n  "))
	if len(events) != 0 {
		t.Errorf("expected no events for blank input, got %d", len(events))
	}
	if got := len(c.Snapshot().Messages); got != 1 {
		t.Errorf("blank input must not change history, got %d messages", got)
	}
}

func TestSendMessageNotReady(t *testing.T) {
	c := newTestController(&scriptedLLM{}, &fakeConn{}, nil, checkpoint.NewMemorySaver())

	events := drain(c.SendMessage(context.Background(), "hello"))
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("expected single error event, got %+v", events)
	}
}

func TestSendMessageEventOrdering(t *testing.T) {
	store := testStore(t)
	defer store.Close()

	llm := &scriptedLLM{rounds: []scriptedRound{
		{toolCalls: []engine.ToolCall{{ID: "c1", Name: "list_pods", Args: map[string]any{"namespace": "default"}}}},
		{text: "3 pods are running"},
	}}
	conn := &fakeConn{callOutput: "pod-a pod-b pod-c"}
	c := newTestController(llm, conn, store, checkpoint.NewMemorySaver())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	events := drain(c.SendMessage(context.Background(), "how many pods?"))

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	if len(types) < 4 || types[0] != EventUserMessage {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	if types[1] != EventToolStart || types[2] != EventToolEnd {
		t.Errorf("expected tool events after user message, got %v", types)
	}
	if types[len(types)-1] != EventAssistantMessage {
		t.Errorf("expected assistant_message last, got %v", types)
	}

	// Token events sit between tool_end and the final message.
	var sawToken bool
	for _, tp := range types[3 : len(types)-1] {
		if tp == EventToken {
			sawToken = true
		}
	}
	if !sawToken {
		t.Error("expected token events during the answer")
	}

	snap := c.Snapshot()
	if len(snap.ToolCalls) != 1 || snap.ToolCalls[0].Status != "complete" {
		t.Errorf("tool call not completed in place: %+v", snap.ToolCalls)
	}
	if snap.ToolCalls[0].Output != "pod-a pod-b pod-c" {
		t.Errorf("tool output not recorded: %+v", snap.ToolCalls[0])
	}

	meta, err := store.GetSession(context.Background(), "sess-1")
	if err != nil || meta == nil {
		t.Fatalf("session metadata missing: %v", err)
	}
	if meta.Title != "how many pods?" {
		t.Errorf("title not derived from first message: %q", meta.Title)
	}
	if !strings.Contains(meta.Preview, "3 pods are running") {
		t.Errorf("preview not updated: %q", meta.Preview)
	}
	if meta.MessageCount != 3 { // welcome + user + assistant
		t.Errorf("unexpected message count %d", meta.MessageCount)
	}

	audits, err := store.GetToolCalls(context.Background(), "sess-1")
	if err != nil || len(audits) != 1 || audits[0].Name != "list_pods" {
		t.Errorf("tool call not audited: %v %+v", err, audits)
	}
}

func TestSendMessageTitleTruncation(t *testing.T) {
	store := testStore(t)
	defer store.Close()

	llm := &scriptedLLM{rounds: []scriptedRound{{text: "ok"}}}
	c := newTestController(llm, &fakeConn{}, store, checkpoint.NewMemorySaver())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	long := strings.Repeat("describe the failing deployment ", 4) // > 50 chars
	drain(c.SendMessage(context.Background(), long))

	meta, _ := store.GetSession(context.Background(), "sess-1")
	if meta == nil {
		t.Fatal("session metadata missing")
	}
	if len([]rune(meta.Title)) != titleLimit+3 || !strings.HasSuffix(meta.Title, "...") {
		t.Errorf("title not truncated: %q", meta.Title)
	}
}

func TestSendMessageTurnError(t *testing.T) {
	llm := &scriptedLLM{rounds: []scriptedRound{{err: errors.New("rate limited")}}}
	c := newTestController(llm, &fakeConn{}, nil, checkpoint.NewMemorySaver())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	events := drain(c.SendMessage(context.Background(), "hello"))
	last := events[len(events)-1]
	if last.Type != EventError || !strings.Contains(last.Message, "rate limited") {
		t.Fatalf("expected trailing error event, got %+v", last)
	}

	snap := c.Snapshot()
	lastMsg := snap.Messages[len(snap.Messages)-1]
	if lastMsg.Role != "assistant" || !strings.HasPrefix(lastMsg.Content, "Error:") {
		t.Errorf("turn error not recorded in history: %+v", lastMsg)
	}
	if snap.LastError == "" {
		t.Error("last error not captured")
	}
}

func TestResumeRestoresHistory(t *testing.T) {
	store := testStore(t)
	defer store.Close()
	saver := checkpoint.NewMemorySaver()
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "pods check"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	seed := checkpoint.Checkpoint{ChannelValues: checkpoint.ChannelValues{Messages: []checkpoint.Entry{
		{Kind: checkpoint.KindSystem, Content: "you operate a cluster"},
		{Kind: checkpoint.KindHuman, Content: "list pods"},
		{Kind: checkpoint.KindAI, Content: "", ToolCalls: []engine.ToolCall{{ID: "c1", Name: "list_pods"}}},
		{Kind: checkpoint.KindTool, Content: "pod-a", Name: "c1"},
		{Kind: checkpoint.KindAI, Content: "one pod: pod-a"},
	}}}
	if err := saver.Put(ctx, "sess-1", seed); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	c := newTestController(&scriptedLLM{}, &fakeConn{}, store, saver)
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap := c.Snapshot()
	want := []Message{
		{Role: "user", Content: "list pods"},
		{Role: "assistant", Content: "one pod: pod-a"},
	}
	if len(snap.Messages) != len(want) {
		t.Fatalf("expected %d visible messages, got %+v", len(want), snap.Messages)
	}
	for i, msg := range want {
		if snap.Messages[i] != msg {
			t.Errorf("message %d: got %+v want %+v", i, snap.Messages[i], msg)
		}
	}
}

// fixedMemStore returns the same records for every search.
type fixedMemStore struct {
	records []memory.MemoryRecord
}

func (f *fixedMemStore) Put(_ context.Context, rec memory.MemoryRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fixedMemStore) Search(_ context.Context, _, _ string, _ int) ([]memory.MemoryRecord, error) {
	return f.records, nil
}

func (f *fixedMemStore) Close() error { return nil }

func TestResumeKeepsFreshMemoryContext(t *testing.T) {
	store := testStore(t)
	defer store.Close()
	saver := checkpoint.NewMemorySaver()
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "pods check"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	seed := checkpoint.Checkpoint{ChannelValues: checkpoint.ChannelValues{Messages: []checkpoint.Entry{
		{Kind: checkpoint.KindSystem, Content: "an older prompt without the new facts"},
		{Kind: checkpoint.KindHuman, Content: "list pods"},
		{Kind: checkpoint.KindAI, Content: "one pod: pod-a"},
	}}}
	if err := saver.Put(ctx, "sess-1", seed); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	// Memories stored since the checkpoint was written must reach the
	// resumed agent through the prompt, not the persisted system entry.
	mem := memory.NewManager(&fixedMemStore{records: []memory.MemoryRecord{
		{Type: "semantic", Content: "cluster uses calico networking"},
	}}, &scriptedLLM{}, "gpt-test", memory.Options{})

	c := NewController("sess-1", Settings{Provider: "openai", ModelName: "gpt-test"}, Deps{
		Store:   store,
		Saver:   saver,
		Memory:  mem,
		NewLLM:  func(Settings) (engine.LLMClient, error) { return &scriptedLLM{}, nil },
		NewConn: func(Settings) ToolConn { return &fakeConn{} },
	})
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	transcript := c.ag.Messages()
	if len(transcript) < 3 || transcript[0].Role != engine.RoleSystem {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
	if !strings.Contains(transcript[0].Content, "cluster uses calico networking") {
		t.Errorf("retrieved memories missing from system prompt: %q", transcript[0].Content)
	}
	if strings.Contains(transcript[0].Content, "an older prompt") {
		t.Errorf("stale persisted prompt restored over the fresh one: %q", transcript[0].Content)
	}
	if transcript[1].Role != engine.RoleUser || transcript[1].Content != "list pods" {
		t.Errorf("restored history lost: %+v", transcript[1])
	}
	if n := len(transcript); transcript[n-1].Content != "one pod: pod-a" {
		t.Errorf("restored history lost: %+v", transcript[n-1])
	}
}

func TestUpdateSettingsRebuildsOnModelChange(t *testing.T) {
	llmBuilds := 0
	c := NewController("sess-1", Settings{Provider: "openai", ModelName: "gpt-test", Temperature: 0.7}, Deps{
		Saver: checkpoint.NewMemorySaver(),
		NewLLM: func(Settings) (engine.LLMClient, error) {
			llmBuilds++
			return &scriptedLLM{rounds: []scriptedRound{{text: "hi"}}}, nil
		},
		NewConn: func(Settings) ToolConn { return &fakeConn{} },
	})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	drain(c.SendMessage(context.Background(), "hello"))
	before := len(c.Snapshot().Messages)

	// Same model key: no rebuild.
	temp := float32(0.7)
	rebuilt, err := c.UpdateSettings(SettingsUpdate{Temperature: &temp})
	if err != nil || rebuilt {
		t.Fatalf("no-op update must not rebuild: rebuilt=%v err=%v", rebuilt, err)
	}
	if llmBuilds != 1 {
		t.Errorf("model rebuilt unnecessarily, builds=%d", llmBuilds)
	}

	// New model name: rebuild, history carried over.
	name := "gpt-bigger"
	rebuilt, err = c.UpdateSettings(SettingsUpdate{ModelName: &name})
	if err != nil || !rebuilt {
		t.Fatalf("model change must rebuild: rebuilt=%v err=%v", rebuilt, err)
	}
	if llmBuilds != 2 {
		t.Errorf("expected second model build, builds=%d", llmBuilds)
	}
	if got := len(c.Snapshot().Messages); got != before {
		t.Errorf("history lost on rebuild: %d -> %d", before, got)
	}
	if c.CurrentModel() != "openai/gpt-bigger" {
		t.Errorf("unexpected current model %q", c.CurrentModel())
	}
}

func TestUpdateSettingsTransportFields(t *testing.T) {
	llmBuilds := 0
	c := NewController("sess-1", Settings{Provider: "openai", ModelName: "gpt-test", MCPTransport: "http"}, Deps{
		Saver: checkpoint.NewMemorySaver(),
		NewLLM: func(Settings) (engine.LLMClient, error) {
			llmBuilds++
			return &scriptedLLM{}, nil
		},
		NewConn: func(Settings) ToolConn { return &fakeConn{} },
	})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	url := "https://mcp.internal:8443/mcp"
	verify := true
	transport := "stdio"
	command := "kubectl-mcp"
	rebuilt, err := c.UpdateSettings(SettingsUpdate{
		MCPServerURL: &url,
		MCPSSLVerify: &verify,
		MCPTransport: &transport,
		MCPCommand:   &command,
		MCPArgs:      []string{"--kubeconfig", "/etc/kube/config"},
	})
	if err != nil || rebuilt {
		t.Fatalf("transport change must not rebuild the agent: rebuilt=%v err=%v", rebuilt, err)
	}
	if llmBuilds != 1 {
		t.Errorf("model rebuilt on transport change, builds=%d", llmBuilds)
	}

	got := c.Snapshot().Settings
	if got.MCPServerURL != url || !got.MCPSSLVerify || got.MCPTransport != "stdio" || got.MCPCommand != "kubectl-mcp" {
		t.Errorf("transport settings not applied: %+v", got)
	}
	if len(got.MCPArgs) != 2 || got.MCPArgs[1] != "/etc/kube/config" {
		t.Errorf("args not applied: %v", got.MCPArgs)
	}
}

func TestCleanupIsBestEffort(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{}
	c := newTestController(&scriptedLLM{}, conn, store, checkpoint.NewMemorySaver())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	c.Cleanup(context.Background())
	if conn.disconnects != 1 {
		t.Errorf("expected one disconnect, got %d", conn.disconnects)
	}
	if c.Ready() {
		t.Error("controller still ready after cleanup")
	}

	// A second cleanup finds everything torn down and stays quiet.
	c.Cleanup(context.Background())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	c := newTestController(&scriptedLLM{}, &fakeConn{}, nil, checkpoint.NewMemorySaver())

	if reg.Get("sess-1") != nil {
		t.Fatal("empty registry returned a controller")
	}
	reg.Set(c)
	if reg.Get("sess-1") != c || reg.Len() != 1 {
		t.Fatal("controller not registered")
	}
	if got := reg.Remove("sess-1"); got != c {
		t.Fatal("remove did not return the controller")
	}
	if reg.Get("sess-1") != nil || reg.Len() != 0 {
		t.Fatal("controller not removed")
	}
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/k8sops/k8sops/internal/checkpoint"
	"github.com/k8sops/k8sops/internal/engine"
	"github.com/k8sops/k8sops/internal/mcpconn"
)

// maxRounds caps model/tool round-trips within one turn so a confused model
// cannot loop forever.
const maxRounds = 6

// ToolExecutor runs one named tool. *mcpconn.ToolConnection satisfies it.
type ToolExecutor interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

var _ ToolExecutor = (*mcpconn.ToolConnection)(nil)

// Hooks receive the execution trace of a turn as it happens. Nil funcs are
// skipped.
type Hooks struct {
	OnToken     func(text string)
	OnToolStart func(callID, name string, args map[string]any)
	OnToolEnd   func(callID, name, output string, err error)
}

func (h Hooks) token(text string) {
	if h.OnToken != nil {
		h.OnToken(text)
	}
}

func (h Hooks) toolStart(callID, name string, args map[string]any) {
	if h.OnToolStart != nil {
		h.OnToolStart(callID, name, args)
	}
}

func (h Hooks) toolEnd(callID, name, output string, err error) {
	if h.OnToolEnd != nil {
		h.OnToolEnd(callID, name, output, err)
	}
}

// Agent drives the model/tool loop for one session thread, persisting the
// transcript through the checkpointer after every step.
type Agent struct {
	llm      engine.LLMClient
	tools    ToolExecutor
	schemas  []engine.ToolSchema
	saver    checkpoint.Saver
	threadID string
	model    string
	opts     engine.ChatOptions

	messages []engine.ChatMessage
}

// Config assembles an Agent.
type Config struct {
	LLM          engine.LLMClient
	Tools        ToolExecutor
	Schemas      []engine.ToolSchema
	Saver        checkpoint.Saver
	ThreadID     string
	Model        string
	Options      engine.ChatOptions
	SystemPrompt string
}

// New creates an agent with the system prompt as its first message.
func New(cfg Config) *Agent {
	a := &Agent{
		llm:      cfg.LLM,
		tools:    cfg.Tools,
		schemas:  cfg.Schemas,
		saver:    cfg.Saver,
		threadID: cfg.ThreadID,
		model:    cfg.Model,
		opts:     cfg.Options,
	}
	if cfg.SystemPrompt != "" {
		a.messages = append(a.messages, engine.ChatMessage{
			Role:    engine.RoleSystem,
			Content: cfg.SystemPrompt,
		})
	}
	return a
}

// Messages returns a copy of the current transcript.
func (a *Agent) Messages() []engine.ChatMessage {
	out := make([]engine.ChatMessage, len(a.messages))
	copy(out, a.messages)
	return out
}

// SetMessages replaces the transcript, used for checkpoint restore and
// summarization trims.
func (a *Agent) SetMessages(messages []engine.ChatMessage) {
	a.messages = make([]engine.ChatMessage, len(messages))
	copy(a.messages, messages)
}

// SetModel swaps the model for subsequent turns. The transcript, tool set,
// and checkpointer carry over.
func (a *Agent) SetModel(model string, opts engine.ChatOptions) {
	a.model = model
	a.opts = opts
}

// AppendMessage adds one message to the transcript without running a turn.
// Used to record turn-level errors.
func (a *Agent) AppendMessage(msg engine.ChatMessage) {
	a.messages = append(a.messages, msg)
}

// persist writes the current transcript as the thread's latest checkpoint.
// Losing a turn's state silently is worse than surfacing an error, so write
// failures propagate.
func (a *Agent) persist(ctx context.Context) error {
	if a.saver == nil {
		return nil
	}
	cp := checkpoint.Checkpoint{
		ChannelValues: checkpoint.ChannelValues{
			Messages: checkpoint.FromChatMessages(a.messages),
		},
	}
	if err := a.saver.Put(ctx, a.threadID, cp); err != nil {
		return fmt.Errorf("agent: checkpoint write failed: %w", err)
	}
	return nil
}

// RunTurn appends the user message and drives model/tool rounds until the
// model answers without tool calls or the round cap is hit. Returns the final
// assistant text.
func (a *Agent) RunTurn(ctx context.Context, userText string, hooks Hooks) (string, error) {
	a.messages = append(a.messages, engine.ChatMessage{
		Role:    engine.RoleUser,
		Content: userText,
	})
	if err := a.persist(ctx); err != nil {
		return "", err
	}

	// Models occasionally re-issue a tool call id it already made this
	// turn; executing it twice would double-apply cluster actions.
	executedCalls := make(map[string]bool)
	var finalText strings.Builder

	for round := 0; round < maxRounds; round++ {
		text, toolCalls, err := a.streamOneRound(ctx, hooks)
		if err != nil {
			return finalText.String(), err
		}
		if text != "" {
			if finalText.Len() > 0 {
				finalText.WriteByte('\n')
			}
			finalText.WriteString(text)
		}

		var fresh []engine.ToolCall
		for _, tc := range toolCalls {
			if tc.ID != "" && executedCalls[tc.ID] {
				log.Printf("agent: skipping duplicate tool call %s (%s)", tc.ID, tc.Name)
				continue
			}
			fresh = append(fresh, tc)
		}

		a.messages = append(a.messages, engine.ChatMessage{
			Role:      engine.RoleAssistant,
			Content:   text,
			ToolCalls: fresh,
		})
		if err := a.persist(ctx); err != nil {
			return finalText.String(), err
		}

		if len(fresh) == 0 {
			return finalText.String(), nil
		}

		for _, tc := range fresh {
			executedCalls[tc.ID] = true
			hooks.toolStart(tc.ID, tc.Name, tc.Args)

			output, err := a.tools.CallTool(ctx, tc.Name, tc.Args)
			hooks.toolEnd(tc.ID, tc.Name, output, err)

			// Tool failures feed back to the model as results; they never
			// end the turn.
			content := output
			if err != nil {
				content = fmt.Sprintf("Error: %v", err)
			}
			a.messages = append(a.messages, engine.ChatMessage{
				Role:    engine.RoleTool,
				Content: content,
				Name:    tc.ID,
			})
		}
		if err := a.persist(ctx); err != nil {
			return finalText.String(), err
		}
	}

	return finalText.String(), nil
}

// streamOneRound makes one streamed model call, forwarding text deltas to
// hooks and collecting any tool calls.
func (a *Agent) streamOneRound(ctx context.Context, hooks Hooks) (string, []engine.ToolCall, error) {
	eventCh, errCh := a.llm.Stream(ctx, a.model, a.messages, a.schemas, a.opts)

	var text strings.Builder
	var toolCalls []engine.ToolCall

	for event := range eventCh {
		switch event.Type {
		case "text_delta":
			text.WriteString(event.Text)
			hooks.token(event.Text)
		case "tool_call":
			toolCalls = append(toolCalls, event.ToolCall)
		}
	}

	if err := <-errCh; err != nil {
		return text.String(), nil, err
	}
	return text.String(), toolCalls, nil
}

// ArgsJSON renders tool arguments for audit records.
func ArgsJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

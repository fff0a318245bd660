package session

// EventType discriminates the events emitted during a turn.
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventToken            EventType = "token"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventAssistantMessage EventType = "assistant_message"
	EventSystem           EventType = "system"
	EventError            EventType = "error"
)

// Event is one entry in the turn's event stream. Content is set for
// user_message, token, assistant_message, and system events; Message for
// error events; ToolCall for tool_start and tool_end.
type Event struct {
	Type     EventType
	Content  string
	Message  string
	ToolCall *ToolCallRecord
}

// ToolCallRecord tracks one tool invocation through its lifecycle. A
// tool_end event updates the matching record in place rather than appending
// a new one.
type ToolCallRecord struct {
	ID        string
	Name      string
	Arguments string
	Status    string // "pending" | "running" | "complete" | "error"
	Output    string
	Error     string
}

// Message is one visible conversation entry: user and assistant text only,
// no system or tool-internal messages.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

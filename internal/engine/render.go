package engine

import "strings"

// RenderTranscript formats messages as role-tagged plain text, the form the
// summarization and memory-extraction prompts expect.
func RenderTranscript(messages []ChatMessage) string {
	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.ToUpper(string(msg.Role)))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
	}
	return sb.String()
}

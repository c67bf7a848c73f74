package chat

import (
	"strings"

	"meetscribe/internal/transcript"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is what a Backend receives: a system prompt and a well-formed history that starts
// with a user turn and alternates roles.
type Request struct {
	SystemPrompt string
	Messages     []Message
}

const (
	DefaultTranscriptChars = 12000

	defaultSystemPrompt = "You are an assistant helping the user understand a live meeting. " +
		"Answer using the meeting transcript below. Speaker names appear in square brackets. " +
		"If the transcript does not contain the answer, say so."
)

// NormalizeHistory returns a copy of messages that a chat backend accepts: blank messages
// and unknown roles are dropped, leading assistant turns are removed, and consecutive turns
// from the same role are merged with a blank line between them.
func NormalizeHistory(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		if len(out) == 0 && msg.Role == RoleAssistant {
			continue
		}
		if last := len(out) - 1; last >= 0 && out[last].Role == msg.Role {
			out[last].Content += "\n\n" + content
			continue
		}
		out = append(out, Message{Role: msg.Role, Content: content})
	}
	return out
}

// BuildSystemPrompt places the tail of the rendered transcript after base. An empty base
// uses the default meeting-assistant prompt.
func BuildSystemPrompt(base, rendered string, maxChars int) string {
	if strings.TrimSpace(base) == "" {
		base = defaultSystemPrompt
	}
	if maxChars <= 0 {
		maxChars = DefaultTranscriptChars
	}
	tail := strings.TrimSpace(transcript.Tail(rendered, maxChars))
	if tail == "" {
		tail = "(no transcript yet)"
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n<transcript>\n")
	b.WriteString(tail)
	b.WriteString("\n</transcript>")
	return b.String()
}

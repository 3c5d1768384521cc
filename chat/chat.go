// Package chat holds the conversation types shared by agents and
// orchestrators, plus conversions to the langchaingo message format.
package chat

import (
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Role identifies the author class of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. AuthorName distinguishes speakers
// in multi-participant chats and may be empty.
type Message struct {
	Role       Role   `json:"role"`
	AuthorName string `json:"author_name,omitempty"`
	Text       string `json:"text"`
}

// System builds a system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// User builds a user message.
func User(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// Assistant builds an assistant message attributed to author.
func Assistant(author, text string) Message {
	return Message{Role: RoleAssistant, AuthorName: author, Text: text}
}

// Transcript renders a conversation as "author: text" lines, usable inside
// prompts.
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		author := m.AuthorName
		if author == "" {
			author = string(m.Role)
		}
		b.WriteString(author)
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}

// ToLangchain converts a conversation to langchaingo message contents for a
// llms.Model call.
func ToLangchain(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		out = append(out, llms.TextParts(langchainRole(m.Role), m.Text))
	}
	return out
}

func langchainRole(r Role) llms.ChatMessageType {
	switch r {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

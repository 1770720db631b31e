package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

// Message role constants.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags one element of a multimodal content array.
type PartType string

// Content part type constants.
const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartAudio    PartType = "audio"
	PartDocument PartType = "document"
)

// ContentPart is one element of a multimodal message body. The universal
// shape persisted in the message row; providers convert it to their own
// format at call time.
type ContentPart struct {
	Type PartType `json:"type"`
	// Text holds the body for text parts.
	Text string `json:"text,omitempty"`
	// URL points at image/audio/document payloads.
	URL string `json:"url,omitempty"`
	// MIME qualifies URL parts (e.g. "image/png", "audio/wav").
	MIME string `json:"mime,omitempty"`
}

// TextContent builds a single-part text body.
func TextContent(text string) []ContentPart {
	return []ContentPart{{Type: PartText, Text: text}}
}

// ToolCall is a structured request emitted by the LLM naming a tool and its
// raw JSON arguments.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a chat. For role=tool, ToolCallID references a
// prior assistant message's tool call. For role=assistant with tool calls,
// Content may be empty.
type Message struct {
	MessageID  string        `json:"message_id"`
	ChatID     string        `json:"chat_id"`
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PlainText flattens the content parts into a single string. Non-text parts
// are rendered as bracketed placeholders so transcripts stay readable.
func (m *Message) PlainText() string {
	var out string
	for _, p := range m.Content {
		switch p.Type {
		case PartText:
			out += p.Text
		default:
			out += fmt.Sprintf("[%s: %s]", p.Type, p.URL)
		}
	}
	return out
}

// Validate checks the role-specific invariants.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message requires tool_call_id")
	}
	if m.Role == RoleAssistant && len(m.ToolCalls) == 0 && len(m.Content) == 0 {
		return fmt.Errorf("assistant message requires content or tool calls")
	}
	return nil
}

// Chat is a conversation thread bound to one agent. AgentRef and AgentInput
// are frozen at creation for reproducibility.
type Chat struct {
	ChatID     string          `json:"chat_id"`
	UserID     string          `json:"user_id"`
	AgentRef   string          `json:"agent_ref"`
	AgentInput json.RawMessage `json:"agent_input,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

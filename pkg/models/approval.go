package models

import (
	"encoding/json"
	"time"
)

// ApprovalDecision is the terminal outcome recorded on a pending approval.
type ApprovalDecision string

// Approval decision constants. Empty string means undecided.
const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// ConversationSnapshot freezes everything the agent engine needs to resume
// a paused conversation: the message transcript, the resolved model and
// provider, and the synthesised tool list as sent to the LLM.
type ConversationSnapshot struct {
	Messages    []Message       `json:"messages"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`

	// UserCtx preserves the caller's permissions so resumed tool dispatch
	// applies the same checks as the original turn.
	UserCtx UserContext `json:"user_ctx"`
}

// PendingApproval parks an agent conversation while a privileged tool call
// awaits human consent. One record per tool_call_id; the engine only resumes
// after a terminal decision is recorded.
type PendingApproval struct {
	ApprovalID         string               `json:"approval_id"`
	ChatID             string               `json:"chat_id"`
	AssistantMessageID string               `json:"assistant_message_id"`
	UserID             string               `json:"user_id"`
	ToolCallID         string               `json:"tool_call_id"`
	FunctionRef        string               `json:"function_ref"`
	Arguments          json.RawMessage      `json:"arguments"`
	AllToolCalls       []ToolCall           `json:"all_tool_calls"`
	Snapshot           ConversationSnapshot `json:"conversation_snapshot"`
	CreatedAt          time.Time            `json:"created_at"`
	Decision           ApprovalDecision     `json:"decision,omitempty"`
	DecidedAt          *time.Time           `json:"decided_at,omitempty"`
}

// Decided reports whether a terminal decision has been recorded.
func (p *PendingApproval) Decided() bool {
	return p.Decision == ApprovalApproved || p.Decision == ApprovalRejected
}

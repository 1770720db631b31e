package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/queue"
)

// MessageHandler adapts the engine to agent_message jobs.
type MessageHandler struct {
	engine *Engine
}

// NewMessageHandler creates the handler.
func NewMessageHandler(e *Engine) *MessageHandler {
	return &MessageHandler{engine: e}
}

// Handle implements queue.Handler.
func (h *MessageHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.AgentMessageJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "invalid agent message payload")
	}

	reply, err := h.engine.Run(ctx, &RunParams{
		ChatID:    payload.ChatID,
		UserCtx:   payload.UserCtx(),
		Content:   decodeContent(payload.Content),
		ChannelID: payload.ChannelID,
		Provider:  payload.Provider,
		Model:     payload.Model,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(reply)
}

// ResumeHandler adapts the engine to agent_resume jobs.
type ResumeHandler struct {
	engine *Engine
}

// NewResumeHandler creates the handler.
func NewResumeHandler(e *Engine) *ResumeHandler {
	return &ResumeHandler{engine: e}
}

// Handle implements queue.Handler.
func (h *ResumeHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.AgentResumeJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "invalid agent resume payload")
	}
	if payload.ApprovalID == "" {
		return nil, models.NewError(models.ErrKindValidation, "agent resume requires approval_id")
	}

	reply, err := h.engine.Resume(ctx, payload.ApprovalID, payload.Approved, payload.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resume approval %s: %w", payload.ApprovalID, err)
	}
	return json.Marshal(reply)
}

// decodeContent accepts either a structured content-part array or a bare
// JSON string.
func decodeContent(raw json.RawMessage) []models.ContentPart {
	var parts []models.ContentPart
	if err := json.Unmarshal(raw, &parts); err == nil && len(parts) > 0 {
		return parts
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return models.TextContent(text)
	}
	return models.TextContent(string(raw))
}

var (
	_ queue.Handler = (*MessageHandler)(nil)
	_ queue.Handler = (*ResumeHandler)(nil)
)

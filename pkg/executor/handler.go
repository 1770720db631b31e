package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/queue"
)

// PauseNotice is the result payload a function job produces when the
// function yielded for user input instead of completing.
type PauseNotice struct {
	Status models.ExecutionStatus `json:"status"`
	Prompt string                 `json:"prompt"`
	Schema json.RawMessage        `json:"schema,omitempty"`
}

// FunctionHandler adapts the executor to the job queue: it decodes function
// job payloads and runs them, marking the execution terminal on the last
// delivery attempt.
type FunctionHandler struct {
	executor   *Executor
	maxRetries int
}

// NewFunctionHandler creates the queue handler for kind=function jobs.
func NewFunctionHandler(e *Executor, maxRetries int) *FunctionHandler {
	return &FunctionHandler{executor: e, maxRetries: maxRetries}
}

// Handle implements queue.Handler. Completed executions return the raw
// function result so synchronous waiters see exactly what the function
// produced; paused executions return a pause notice.
func (h *FunctionHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var p models.FunctionJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "invalid function job payload")
	}

	outcome, err := h.executor.ExecuteFunction(ctx, &Request{
		FunctionRef: p.FunctionNamespace + "/" + p.FunctionName,
		Input:       p.InputData,
		ExecutionID: p.ExecutionID,
		TriggerType: p.TriggerType,
		TriggerID:   p.TriggerID,
		UserCtx:     &models.UserContext{UserID: p.UserID},
		ChatID:      p.ChatID,
		ResumeData:  p.ResumeData,
		Final:       job.Attempt >= h.maxRetries,
	})
	if err != nil {
		return nil, err
	}

	if outcome.Status == models.ExecutionStatusAwaitingInput {
		notice, err := json.Marshal(&PauseNotice{
			Status: outcome.Status,
			Prompt: outcome.Prompt,
			Schema: outcome.Schema,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode pause notice: %w", err)
		}
		return notice, nil
	}
	return outcome.Output, nil
}

var _ queue.Handler = (*FunctionHandler)(nil)

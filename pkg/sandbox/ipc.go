package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stratumhq/stratum/pkg/models"
)

// IPC file paths inside the container. The in-container executor polls for
// the trigger every 100 ms, runs the request, writes the result, and removes
// the trigger. Any executor that implements this handshake works regardless
// of the language it hosts.
const (
	requestPath = "/tmp/exec_request.json"
	triggerPath = "/tmp/exec_trigger"
	resultPath  = "/tmp/exec_result.json"
)

// resultPollInterval is how often the host polls for the result file.
const resultPollInterval = 100 * time.Millisecond

// Request actions understood by the in-container executor.
const (
	ActionExecuteInline = "execute_inline"
	ActionExecute       = "execute"
	ActionLoadFunctions = "load_functions"
)

// ExecRequest is the envelope written to exec_request.json.
type ExecRequest struct {
	Action            string              `json:"action"`
	ExecutionID       string              `json:"execution_id,omitempty"`
	FunctionCode      string              `json:"function_code,omitempty"`
	FunctionNamespace string              `json:"function_namespace,omitempty"`
	FunctionName      string              `json:"function_name,omitempty"`
	InputData         json.RawMessage     `json:"input_data,omitempty"`
	Context           *models.UserContext `json:"context,omitempty"`

	// Resume fields for cursor-based pause/resume: the function is
	// re-invoked with the value the user supplied and the cursor it handed
	// back when it paused.
	ResumeData json.RawMessage `json:"resume_data,omitempty"`
	Cursor     []byte          `json:"cursor,omitempty"`
}

// Result statuses written by the in-container executor.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultTimeout   = "timeout"
	ResultPaused    = "paused"
)

// ExecResult is the envelope read from exec_result.json.
type ExecResult struct {
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Traceback   string          `json:"traceback,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	ExecutionID string          `json:"execution_id,omitempty"`

	// Pause checkpoint: the prompt and schema to show the user plus the
	// opaque cursor to hand back on resume.
	Prompt string          `json:"prompt,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Cursor []byte          `json:"cursor,omitempty"`
}

// runIPC drives one request/response cycle of the file-based handshake
// against a container: scrub leftovers, write request, write trigger, poll
// for the result up to timeout, then scrub all three files.
func runIPC(ctx context.Context, rt ContainerRuntime, containerID string, req *ExecRequest, timeout time.Duration) (*ExecResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution request: %w", err)
	}

	// A cycle the host abandoned on timeout leaves its files behind, and
	// the abandoned execution may still write its result late. Start clean
	// so the poll below cannot adopt a predecessor's output.
	if err := scrubIPC(ctx, rt, containerID); err != nil {
		return nil, err
	}

	if err := rt.WriteFile(ctx, containerID, requestPath, payload); err != nil {
		return nil, fmt.Errorf("failed to write execution request: %w", err)
	}
	if err := rt.WriteFile(ctx, containerID, triggerPath, []byte("1")); err != nil {
		return nil, fmt.Errorf("failed to write execution trigger: %w", err)
	}

	result, err := pollResult(ctx, rt, containerID, req.ExecutionID, timeout)
	if err != nil {
		return nil, err
	}

	if err := scrubIPC(ctx, rt, containerID); err != nil {
		return nil, err
	}
	return result, nil
}

// pollResult waits for exec_result.json to appear, up to the deadline. A
// result carrying a different execution id is a late write from an
// abandoned cycle: it is discarded and the poll continues.
func pollResult(ctx context.Context, rt ContainerRuntime, containerID, executionID string, timeout time.Duration) (*ExecResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		raw, err := rt.ReadFile(ctx, containerID, resultPath)
		switch {
		case err == nil:
			var result ExecResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, fmt.Errorf("failed to decode execution result: %w", err)
			}
			if executionID == "" || result.ExecutionID == executionID {
				return &result, nil
			}
			if err := rt.RemoveFile(ctx, containerID, resultPath); err != nil {
				return nil, fmt.Errorf("failed to discard stale result: %w", err)
			}
		case !errors.Is(err, ErrFileNotFound):
			return nil, fmt.Errorf("failed to read execution result: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrExecutionTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// scrubIPC removes all protocol files so the next occupant starts clean.
func scrubIPC(ctx context.Context, rt ContainerRuntime, containerID string) error {
	for _, p := range []string{requestPath, triggerPath, resultPath} {
		if err := rt.RemoveFile(ctx, containerID, p); err != nil {
			return fmt.Errorf("failed to scrub %s: %w", p, err)
		}
	}
	return nil
}

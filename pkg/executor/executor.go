// Package executor is the unified entry point for running a function: it
// routes to the shared worker pool or the sandbox container pool, validates
// input and output against the function's JSON schemas, and keeps the
// execution record's lifecycle consistent across retries and pauses.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/stratumhq/stratum/pkg/masking"
	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/sandbox"
	"github.com/stratumhq/stratum/pkg/store"
)

// Runner executes one sandbox request. Both the container pool and the
// shared worker pool satisfy it.
type Runner interface {
	Execute(ctx context.Context, req *sandbox.ExecRequest) (*sandbox.ExecResult, error)
}

// Request carries one function invocation.
type Request struct {
	// FunctionRef is the "namespace/name" reference.
	FunctionRef string
	Input       json.RawMessage
	ExecutionID string
	TriggerType models.TriggerType
	TriggerID   string
	UserCtx     *models.UserContext
	ChatID      string

	// ResumeData continues an execution paused in awaiting_input. The stored
	// cursor is handed back to the function alongside it.
	ResumeData json.RawMessage

	// Final marks the last delivery attempt: a retryable failure is recorded
	// as terminal instead of leaving the record open for the next attempt.
	Final bool
}

// Outcome is the result of one invocation: a terminal result, or a pause
// checkpoint when the function yielded for user input.
type Outcome struct {
	Status models.ExecutionStatus
	Output json.RawMessage

	// Set when Status is awaiting_input.
	Prompt string
	Schema json.RawMessage
}

// Executor dispatches function invocations.
type Executor struct {
	executions store.ExecutionStore
	resources  store.ResourceStore
	pool       Runner
	workers    Runner
	masker     *masking.Service
	logger     *slog.Logger
}

// New creates an executor. pool serves untrusted functions in isolated
// sandboxes; workers serves trusted shared_pool functions.
func New(stores *store.Stores, pool, workers Runner) *Executor {
	return &Executor{
		executions: stores.Executions,
		resources:  stores.Resources,
		pool:       pool,
		workers:    workers,
		masker:     masking.NewService(),
		logger:     slog.With("component", "executor"),
	}
}

// ExecuteFunction runs one invocation end to end. Idempotent per
// execution_id: a terminal record short-circuits to its stored result or
// error without re-running.
func (e *Executor) ExecuteFunction(ctx context.Context, req *Request) (*Outcome, error) {
	namespace, name, err := splitRef(req.FunctionRef)
	if err != nil {
		return nil, err
	}
	log := e.logger.With("execution_id", req.ExecutionID, "function", req.FunctionRef)

	rec, err := e.loadOrCreate(ctx, req, namespace, name)
	if err != nil {
		return nil, err
	}

	// Terminal records settle retries without re-running.
	switch rec.Status {
	case models.ExecutionStatusCompleted:
		log.Info("Execution already completed, returning stored result")
		return &Outcome{Status: models.ExecutionStatusCompleted, Output: rec.OutputData}, nil
	case models.ExecutionStatusFailed:
		return nil, models.NewError(models.ErrKindExecutionFailure,
			"execution %s already failed: %s", rec.ExecutionID, rec.Error)
	}

	resume := len(req.ResumeData) > 0
	if resume && rec.Status != models.ExecutionStatusAwaitingInput {
		return nil, models.NewError(models.ErrKindValidation,
			"execution %s is %s, not awaiting input", rec.ExecutionID, rec.Status)
	}
	if !resume && rec.Status == models.ExecutionStatusAwaitingInput {
		return nil, models.NewError(models.ErrKindValidation,
			"execution %s is awaiting input; resume data required", rec.ExecutionID)
	}

	if err := e.markRunning(ctx, rec); err != nil {
		return nil, err
	}

	fn, err := e.resources.GetFunction(ctx, namespace, name)
	if errors.Is(err, store.ErrNotFound) {
		ferr := models.NewError(models.ErrKindNotFound, "function %s not found", req.FunctionRef)
		e.markFailed(ctx, rec, ferr, "")
		return nil, ferr
	}
	if err != nil {
		return nil, models.WrapError(models.ErrKindInfrastructure, err, "failed to load function %s", req.FunctionRef)
	}
	if !fn.Active {
		ferr := models.NewError(models.ErrKindValidation, "function %s is inactive", req.FunctionRef)
		e.markFailed(ctx, rec, ferr, "")
		return nil, ferr
	}

	input := req.Input
	if !resume && len(fn.InputSchema) > 0 {
		input, err = validateInput(fn.InputSchema, req.Input)
		if err != nil {
			e.markFailed(ctx, rec, err, "")
			return nil, err
		}
	}

	log.Info("Executing function",
		"trigger_type", req.TriggerType, "shared_pool", fn.SharedPool, "resume", resume)
	started := time.Now()

	result, err := e.dispatch(ctx, fn, rec, input, req)
	if err != nil {
		kerr := mapSandboxError(err)
		// Retryable failures leave the record running for the next delivery
		// attempt; only the final attempt settles it.
		if req.Final || !models.IsRetryable(kerr) {
			e.markFailed(ctx, rec, kerr, "")
		}
		log.Error("Execution failed", "error", kerr)
		return nil, kerr
	}

	return e.settle(ctx, rec, fn, result, started, log)
}

// dispatch routes to the right pool and builds the sandbox request. Pooled
// sandboxes carry no cached code, so each call ships the function source;
// shared workers reference preloaded functions by name.
func (e *Executor) dispatch(ctx context.Context, fn *models.Function, rec *models.ExecutionRecord, input json.RawMessage, req *Request) (*sandbox.ExecResult, error) {
	sreq := &sandbox.ExecRequest{
		ExecutionID: rec.ExecutionID,
		InputData:   input,
		Context:     req.UserCtx,
	}
	if len(req.ResumeData) > 0 {
		sreq.ResumeData = req.ResumeData
		sreq.Cursor = rec.GeneratorState
	}

	if fn.SharedPool {
		sreq.Action = sandbox.ActionExecute
		sreq.FunctionNamespace = fn.Namespace
		sreq.FunctionName = fn.Name
		return e.workers.Execute(ctx, sreq)
	}
	sreq.Action = sandbox.ActionExecuteInline
	sreq.FunctionCode = fn.Code
	return e.pool.Execute(ctx, sreq)
}

// settle applies the sandbox result to the execution record.
func (e *Executor) settle(ctx context.Context, rec *models.ExecutionRecord, fn *models.Function, result *sandbox.ExecResult, started time.Time, log *slog.Logger) (*Outcome, error) {
	switch result.Status {
	case sandbox.ResultCompleted:
		if len(fn.OutputSchema) > 0 {
			if err := validateOutput(fn.OutputSchema, result.Result); err != nil {
				e.markFailed(ctx, rec, err, "")
				return nil, err
			}
		}
		now := time.Now()
		rec.Status = models.ExecutionStatusCompleted
		rec.OutputData = result.Result
		rec.Error = ""
		rec.Traceback = ""
		rec.PausePrompt = ""
		rec.PauseSchema = nil
		rec.GeneratorState = nil
		rec.CompletedAt = &now
		rec.DurationMS = durationMS(result, started)
		if err := e.executions.Update(ctx, rec); err != nil {
			return nil, models.WrapError(models.ErrKindInfrastructure, err, "failed to store execution result")
		}
		log.Info("Execution completed", "duration_ms", rec.DurationMS)
		return &Outcome{Status: models.ExecutionStatusCompleted, Output: rec.OutputData}, nil

	case sandbox.ResultPaused:
		rec.Status = models.ExecutionStatusAwaitingInput
		rec.PausePrompt = result.Prompt
		rec.PauseSchema = result.Schema
		rec.GeneratorState = result.Cursor
		if err := e.executions.Update(ctx, rec); err != nil {
			return nil, models.WrapError(models.ErrKindInfrastructure, err, "failed to store pause checkpoint")
		}
		log.Info("Execution paused for user input", "prompt", result.Prompt)
		return &Outcome{
			Status: models.ExecutionStatusAwaitingInput,
			Prompt: result.Prompt,
			Schema: result.Schema,
		}, nil

	case sandbox.ResultTimeout:
		terr := models.NewError(models.ErrKindTimeout, "function execution timed out")
		e.markFailed(ctx, rec, terr, "")
		return nil, terr

	default: // sandbox.ResultFailed and anything unrecognised
		ferr := &models.CoreError{
			Kind:      models.ErrKindExecutionFailure,
			Message:   result.Error,
			Traceback: result.Traceback,
		}
		e.markFailed(ctx, rec, ferr, result.Traceback)
		return nil, ferr
	}
}

// loadOrCreate inserts the execution record or loads the existing one when
// the execution_id is already taken.
func (e *Executor) loadOrCreate(ctx context.Context, req *Request, namespace, name string) (*models.ExecutionRecord, error) {
	rec := &models.ExecutionRecord{
		ExecutionID:       req.ExecutionID,
		FunctionNamespace: namespace,
		FunctionName:      name,
		TriggerType:       req.TriggerType,
		TriggerID:         req.TriggerID,
		UserID:            userID(req.UserCtx),
		ChatID:            req.ChatID,
		Status:            models.ExecutionStatusPending,
		InputData:         req.Input,
		CreatedAt:         time.Now(),
	}
	err := e.executions.Create(ctx, rec)
	if errors.Is(err, store.ErrAlreadyExists) {
		existing, gerr := e.executions.Get(ctx, req.ExecutionID)
		if gerr != nil {
			return nil, models.WrapError(models.ErrKindInfrastructure, gerr, "failed to load execution %s", req.ExecutionID)
		}
		return existing, nil
	}
	if err != nil {
		return nil, models.WrapError(models.ErrKindInfrastructure, err, "failed to create execution %s", req.ExecutionID)
	}
	return rec, nil
}

// markRunning transitions pending or awaiting_input records to running.
// A record already running (a redelivery after a worker crash) is left
// alone.
func (e *Executor) markRunning(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.Status == models.ExecutionStatusRunning {
		return nil
	}
	now := time.Now()
	rec.Status = models.ExecutionStatusRunning
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if err := e.executions.Update(ctx, rec); err != nil {
		return models.WrapError(models.ErrKindInfrastructure, err, "failed to mark execution running")
	}
	return nil
}

func (e *Executor) markFailed(ctx context.Context, rec *models.ExecutionRecord, cause error, traceback string) {
	now := time.Now()
	rec.Status = models.ExecutionStatusFailed
	// Sandbox errors and tracebacks can echo credential input; redact
	// before the row is written.
	rec.Error = e.masker.Mask(cause.Error())
	rec.Traceback = e.masker.Mask(traceback)
	rec.CompletedAt = &now
	if err := e.executions.Update(ctx, rec); err != nil {
		e.logger.Error("Failed to mark execution failed",
			"execution_id", rec.ExecutionID, "error", err)
	}
}

// mapSandboxError translates pool-level errors into the error taxonomy the
// retry layer understands.
func mapSandboxError(err error) error {
	switch {
	case errors.Is(err, sandbox.ErrPoolExhausted):
		return models.WrapError(models.ErrKindPoolExhausted, err, "sandbox pool exhausted")
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		return models.WrapError(models.ErrKindTimeout, err, "sandbox execution timed out")
	default:
		return models.WrapError(models.ErrKindInfrastructure, err, "sandbox execution failed")
	}
}

func durationMS(result *sandbox.ExecResult, started time.Time) int64 {
	if result.DurationMS > 0 {
		return result.DurationMS
	}
	return time.Since(started).Milliseconds()
}

func splitRef(ref string) (namespace, name string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", models.NewError(models.ErrKindValidation, "invalid function reference %q", ref)
	}
	return parts[0], parts[1], nil
}

func userID(ctx *models.UserContext) string {
	if ctx == nil {
		return ""
	}
	return ctx.UserID
}

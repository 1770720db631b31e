package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stratumhq/stratum/pkg/executor"
	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// dispatch routes one tool call and returns the stringified result the LLM
// sees. Dispatch never fails the conversation: every failure mode becomes an
// error payload in the tool-result message.
func (e *Engine) dispatch(ctx context.Context, env *runEnv, call models.ToolCall, approvalGranted bool) string {
	tool, ok := env.tools.Lookup(call.Name)
	if !ok {
		// The model asked for something it was never offered.
		e.logger.Warn("Rejected tool call outside the active tool list",
			"chat_id", env.chat.ChatID, "tool", call.Name, "user_id", env.userCtx.UserID)
		return errorResult("unknown tool " + call.Name)
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return errorResult("invalid JSON arguments")
	}

	switch tool.Meta.Kind {
	case ToolKindFunction:
		return e.dispatchFunction(ctx, env, tool, call, args, approvalGranted)
	case ToolKindSubAgent:
		return e.dispatchSubAgent(ctx, env, tool, args)
	case ToolKindSkill:
		return e.dispatchSkill(ctx, tool)
	case ToolKindMCP:
		return e.dispatchMCP(ctx, env, tool, args)
	case ToolKindState:
		return e.dispatchState(ctx, env, tool, args)
	case ToolKindContinuation:
		return e.dispatchContinuation(ctx, env, tool, args)
	default:
		return errorResult("unroutable tool " + call.Name)
	}
}

func parseArguments(raw string) (map[string]any, error) {
	args := make(map[string]any)
	if err := json.Unmarshal([]byte(normalizeArgs(raw)), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// mergeParameters folds overridable defaults under the model's arguments and
// locked values over them. A model that tried to supply a locked parameter
// gets overridden with a warning.
func (e *Engine) mergeParameters(env *runEnv, tool *Tool, args map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+len(tool.Meta.Defaults)+len(tool.Meta.Locked))
	for k, v := range tool.Meta.Defaults {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	for k, v := range tool.Meta.Locked {
		if supplied, tried := args[k]; tried {
			e.logger.Warn("Model supplied a locked parameter, using locked value",
				"chat_id", env.chat.ChatID, "tool", tool.Def.Name,
				"parameter", k, "supplied", supplied)
		}
		merged[k] = v
	}
	return merged
}

func (e *Engine) dispatchFunction(ctx context.Context, env *runEnv, tool *Tool, call models.ToolCall, args map[string]any, approvalGranted bool) string {
	ns, name := tool.Meta.Namespace, tool.Meta.Name
	if approvalGranted {
		e.logger.Info("Executing approved tool call",
			"chat_id", env.chat.ChatID, "function", ns+"/"+name, "tool_call_id", call.ID)
	}
	if !env.userCtx.CanExecuteFunction(ns, name) {
		e.logger.Warn("Denied function call without execute permission",
			"chat_id", env.chat.ChatID, "function", ns+"/"+name, "user_id", env.userCtx.UserID)
		return errorResult(fmt.Sprintf("permission denied for %s/%s", ns, name))
	}

	merged := e.mergeParameters(env, tool, args)
	input, err := json.Marshal(merged)
	if err != nil {
		return errorResult("unencodable arguments: " + err.Error())
	}

	result, err := e.queue.EnqueueAndWait(ctx, &models.FunctionJobPayload{
		FunctionNamespace: ns,
		FunctionName:      name,
		InputData:         input,
		ExecutionID:       uuid.NewString(),
		TriggerType:       models.TriggerAgent,
		TriggerID:         call.ID,
		UserID:            env.userCtx.UserID,
		ChatID:            env.chat.ChatID,
	}, 0)
	if err != nil {
		return e.maskLocked(tool, errorResult(err.Error()))
	}
	return e.maskLocked(tool, string(result))
}

// maskLocked strips locked parameter values from text bound for the
// transcript. The model never sees a locked secret, even when the function
// echoes its input back in the result or an error message.
func (e *Engine) maskLocked(tool *Tool, text string) string {
	if len(tool.Meta.Locked) == 0 {
		return text
	}
	values := make([]string, 0, len(tool.Meta.Locked))
	for _, v := range tool.Meta.Locked {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	return e.masker.MaskValues(text, values)
}

// dispatchSubAgent runs the target agent on a fresh sub-chat and returns its
// final reply.
func (e *Engine) dispatchSubAgent(ctx context.Context, env *runEnv, tool *Tool, args map[string]any) string {
	input, err := json.Marshal(args)
	if err != nil {
		return errorResult("unencodable arguments: " + err.Error())
	}

	subChat := &models.Chat{
		ChatID:     uuid.NewString(),
		UserID:     env.userCtx.UserID,
		AgentRef:   tool.Meta.Namespace + "/" + tool.Meta.Name,
		AgentInput: input,
		CreatedAt:  time.Now(),
	}
	if err := e.stores.Chats.CreateChat(ctx, subChat); err != nil {
		return errorResult("create sub-chat: " + err.Error())
	}

	request := string(input)
	if text, ok := args["request"].(string); ok && text != "" {
		request = text
	}

	reply, err := e.Run(ctx, &RunParams{
		ChatID:  subChat.ChatID,
		UserCtx: env.userCtx,
		Content: models.TextContent(request),
	})
	if err != nil {
		return errorResult("sub-agent failed: " + err.Error())
	}
	return reply.PlainText()
}

func (e *Engine) dispatchSkill(ctx context.Context, tool *Tool) string {
	skill, err := e.stores.Resources.GetSkill(ctx, tool.Meta.Namespace, tool.Meta.Name)
	if err != nil {
		return errorResult("skill unavailable: " + err.Error())
	}
	return skill.Content
}

func (e *Engine) dispatchMCP(ctx context.Context, env *runEnv, tool *Tool, args map[string]any) string {
	if env.mcpClient == nil {
		return errorResult("external server " + tool.Meta.ServerID + " is not connected")
	}
	result, err := env.mcpClient.CallTool(ctx, tool.Meta.ServerID, tool.Meta.RemoteName, args)
	if err != nil {
		return errorResult(err.Error())
	}

	text := flattenMCPContent(result.Content)
	if result.IsError {
		return errorResult(text)
	}
	return text
}

func flattenMCPContent(content []mcpsdk.Content) string {
	var b strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func (e *Engine) dispatchState(ctx context.Context, env *runEnv, tool *Tool, args map[string]any) string {
	namespace, _ := args["namespace"].(string)
	key, _ := args["key"].(string)
	if namespace == "" || key == "" {
		return errorResult("namespace and key are required")
	}

	readable := false
	for _, ns := range env.agent.StateNamespaces() {
		if ns == namespace {
			readable = true
			break
		}
	}
	if !readable {
		return errorResult("namespace " + namespace + " is not accessible")
	}

	op := tool.Def.Name
	if op != "retrieve_state" && !env.agent.CanWriteNamespace(namespace) {
		return errorResult("namespace " + namespace + " is read-only")
	}

	switch op {
	case "retrieve_state":
		rec, err := e.stores.State.Get(ctx, env.userCtx.UserID, namespace, key)
		if errors.Is(err, store.ErrNotFound) {
			return errorResult("no value stored under " + namespace + "/" + key)
		}
		if err != nil {
			return errorResult(err.Error())
		}
		return rec.Value

	case "save_state", "update_state":
		value, _ := args["value"].(string)
		err := e.stores.State.Set(ctx, &models.StateRecord{
			UserID:    env.userCtx.UserID,
			Namespace: namespace,
			Key:       key,
			Value:     value,
			UpdatedAt: time.Now(),
		})
		if err != nil {
			return errorResult(err.Error())
		}
		return `{"saved":true}`

	case "delete_state":
		if err := e.stores.State.Delete(ctx, env.userCtx.UserID, namespace, key); err != nil {
			return errorResult(err.Error())
		}
		return `{"deleted":true}`

	default:
		return errorResult("unknown state operation " + op)
	}
}

// dispatchContinuation resumes a paused execution directly through the
// executor: the resume must hit the stored cursor synchronously, not travel
// the queue as a fresh job.
func (e *Engine) dispatchContinuation(ctx context.Context, env *runEnv, tool *Tool, args map[string]any) string {
	executionID, _ := args["execution_id"].(string)
	functionRef, ok := tool.Meta.Paused[executionID]
	if !ok {
		return errorResult("no paused execution " + executionID + " in this chat")
	}

	resumeData, err := json.Marshal(args["resume_data"])
	if err != nil {
		return errorResult("unencodable resume data: " + err.Error())
	}

	outcome, err := e.executor.ExecuteFunction(ctx, &executor.Request{
		FunctionRef: functionRef,
		ExecutionID: executionID,
		ResumeData:  resumeData,
		TriggerType: models.TriggerAgent,
		TriggerID:   env.chat.ChatID,
		UserCtx:     env.userCtx,
		ChatID:      env.chat.ChatID,
		Final:       true,
	})
	if err != nil {
		return errorResult(err.Error())
	}

	if outcome.Status == models.ExecutionStatusAwaitingInput {
		paused, _ := json.Marshal(map[string]any{
			"status": "awaiting_input",
			"prompt": outcome.Prompt,
			"schema": json.RawMessage(outcome.Schema),
		})
		return string(paused)
	}
	return string(outcome.Output)
}

func errorResult(msg string) string {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return string(raw)
}

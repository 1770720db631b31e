// Package agent runs the tool-calling conversation loop: context assembly,
// tool synthesis, LLM streaming, tool dispatch, and the approval pause /
// resume protocol for privileged calls.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/executor"
	"github.com/stratumhq/stratum/pkg/llm"
	"github.com/stratumhq/stratum/pkg/masking"
	"github.com/stratumhq/stratum/pkg/mcp"
	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/queue"
	"github.com/stratumhq/stratum/pkg/relay"
	"github.com/stratumhq/stratum/pkg/store"
)

// ErrToolDepthExceeded terminates a turn whose tool-calling loop ran past
// the configured recursion limit.
var ErrToolDepthExceeded = fmt.Errorf("tool-calling depth limit exceeded")

// Engine drives agent conversations. One Run call processes one user
// message to completion or to an approval pause; Resume continues a paused
// conversation after a human decision.
type Engine struct {
	stores   *store.Stores
	llm      *llm.Factory
	synth    *Synthesiser
	queue    *queue.JobQueue
	executor *executor.Executor
	relay    *relay.Relay
	mcp      *mcp.ClientFactory
	servers  *config.MCPServerRegistry
	defaults *config.Defaults
	masker   *masking.Service
	logger   *slog.Logger
}

// NewEngine wires the engine. mcpFactory and servers may be nil when no
// external protocol servers are configured.
func NewEngine(
	stores *store.Stores,
	factory *llm.Factory,
	q *queue.JobQueue,
	exec *executor.Executor,
	rel *relay.Relay,
	mcpFactory *mcp.ClientFactory,
	servers *config.MCPServerRegistry,
	defaults *config.Defaults,
) *Engine {
	return &Engine{
		stores:   stores,
		llm:      factory,
		synth:    NewSynthesiser(stores),
		queue:    q,
		executor: exec,
		relay:    rel,
		mcp:      mcpFactory,
		servers:  servers,
		defaults: defaults,
		masker:   masking.NewService(),
		logger:   slog.With("component", "agent_engine"),
	}
}

// RunParams carries one user message into the engine.
type RunParams struct {
	ChatID  string
	UserCtx *models.UserContext
	Content []models.ContentPart

	// ChannelID enables streaming; empty means a blocking call.
	ChannelID string

	// Provider and Model override the agent's settings for this message.
	Provider string
	Model    string
}

// runEnv is the per-turn state shared by the loop and dispatch.
type runEnv struct {
	chat      *models.Chat
	agent     *models.Agent
	userCtx   *models.UserContext
	channelID string
	conv      *conversation
	tools     *ToolSet
	mcpClient *mcp.Client
}

// Run processes one user message: persists it, assembles context, and runs
// the tool-calling loop until the model stops requesting tools or a
// privileged call pauses the conversation. Returns the final assistant
// message (for a pause, the assistant message that requested the tools).
func (e *Engine) Run(ctx context.Context, p *RunParams) (*models.Message, error) {
	env, err := e.prepare(ctx, p)
	if err != nil {
		e.relay.PublishError(ctx, p.ChannelID, err.Error())
		return nil, err
	}
	if env.mcpClient != nil {
		defer func() { _ = env.mcpClient.Close() }()
	}

	userMsg := &models.Message{
		MessageID: uuid.NewString(),
		ChatID:    p.ChatID,
		Role:      models.RoleUser,
		Content:   p.Content,
		CreatedAt: time.Now(),
	}
	if err := e.stores.Chats.AppendMessage(ctx, userMsg); err != nil {
		err = fmt.Errorf("persist user message: %w", err)
		e.relay.PublishError(ctx, p.ChannelID, err.Error())
		return nil, err
	}
	env.conv.messages = append(env.conv.messages, *userMsg)

	return e.loop(ctx, env)
}

// Resume continues a conversation parked on a pending approval. The decision
// must already be recorded; approved executes the parked tool calls from the
// snapshot, rejected feeds the model a refusal so it can react.
func (e *Engine) Resume(ctx context.Context, approvalID string, approved bool, channelID string) (*models.Message, error) {
	approval, err := e.stores.Approvals.Get(ctx, approvalID)
	if err != nil {
		e.relay.PublishError(ctx, channelID, "approval not found")
		return nil, fmt.Errorf("load approval %s: %w", approvalID, err)
	}
	// The store is the source of truth: a resume without a recorded
	// terminal decision, or one contradicting it, never executes.
	if !approval.Decided() {
		err := models.NewError(models.ErrKindValidation,
			"approval %s has no recorded decision", approvalID)
		e.relay.PublishError(ctx, channelID, err.Error())
		return nil, err
	}
	if approved != (approval.Decision == models.ApprovalApproved) {
		err := models.NewError(models.ErrKindValidation,
			"resume contradicts the recorded decision for approval %s", approvalID)
		e.relay.PublishError(ctx, channelID, err.Error())
		return nil, err
	}

	env, err := e.prepare(ctx, &RunParams{
		ChatID:    approval.ChatID,
		UserCtx:   &approval.Snapshot.UserCtx,
		ChannelID: channelID,
		Provider:  approval.Snapshot.Provider,
		Model:     approval.Snapshot.Model,
	})
	if err != nil {
		e.relay.PublishError(ctx, channelID, err.Error())
		return nil, err
	}
	if env.mcpClient != nil {
		defer func() { _ = env.mcpClient.Close() }()
	}

	// The snapshot transcript is authoritative: it ends with the assistant
	// message whose tool calls were parked.
	env.conv.messages = approval.Snapshot.Messages

	if approved {
		for _, call := range approval.AllToolCalls {
			if err := e.runToolCall(ctx, env, call, true); err != nil {
				e.relay.PublishError(ctx, channelID, err.Error())
				return nil, err
			}
		}
	} else {
		e.relay.PublishToolRejected(ctx, channelID, approval.ToolCallID)
		for _, call := range approval.AllToolCalls {
			if err := e.appendToolResult(ctx, env, call, `{"error":"tool call rejected by the user"}`); err != nil {
				e.relay.PublishError(ctx, channelID, err.Error())
				return nil, err
			}
		}
	}

	return e.loop(ctx, env)
}

// prepare loads the chat and agent, assembles the conversation, connects
// enabled MCP servers, and synthesises the tool set.
func (e *Engine) prepare(ctx context.Context, p *RunParams) (*runEnv, error) {
	chat, err := e.stores.Chats.GetChat(ctx, p.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", p.ChatID, err)
	}
	ref, err := models.ParseRef(chat.AgentRef)
	if err != nil {
		return nil, err
	}
	ag, err := e.stores.Resources.GetAgent(ctx, ref.Namespace, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", chat.AgentRef, err)
	}

	conv, err := e.assembleContext(ctx, chat, ag, p.Provider, p.Model)
	if err != nil {
		return nil, err
	}

	var mcpClient *mcp.Client
	if e.mcp != nil && len(ag.EnabledMCPTools) > 0 {
		mcpClient, err = e.mcp.CreateClient(ctx, ag.EnabledMCPTools)
		if err != nil {
			// Degrade to the remaining tool sources.
			e.logger.Warn("MCP client unavailable", "chat_id", p.ChatID, "error", err)
			mcpClient = nil
		}
	}

	tools, err := e.synth.Build(ctx, ag, p.UserCtx, p.ChatID, mcpClient)
	if err != nil {
		if mcpClient != nil {
			_ = mcpClient.Close()
		}
		return nil, fmt.Errorf("synthesise tools: %w", err)
	}

	return &runEnv{
		chat:      chat,
		agent:     ag,
		userCtx:   p.UserCtx,
		channelID: p.ChannelID,
		conv:      conv,
		tools:     tools,
		mcpClient: mcpClient,
	}, nil
}

// loop is the main tool-calling loop shared by Run and Resume.
func (e *Engine) loop(ctx context.Context, env *runEnv) (*models.Message, error) {
	maxDepth := e.defaults.MaxToolDepth
	defs := env.tools.Definitions()

	for depth := 0; depth < maxDepth; depth++ {
		completion, err := e.turn(ctx, env, defs)
		if err != nil {
			e.relay.PublishError(ctx, env.channelID, err.Error())
			return nil, err
		}

		assistant := &models.Message{
			MessageID: uuid.NewString(),
			ChatID:    env.chat.ChatID,
			Role:      models.RoleAssistant,
			ToolCalls: completion.ToolCalls,
			CreatedAt: time.Now(),
		}
		if completion.Content != "" {
			assistant.Content = models.TextContent(completion.Content)
		}
		if err := e.stores.Chats.AppendMessage(ctx, assistant); err != nil {
			err = fmt.Errorf("persist assistant message: %w", err)
			e.relay.PublishError(ctx, env.channelID, err.Error())
			return nil, err
		}
		env.conv.messages = append(env.conv.messages, *assistant)

		if len(completion.ToolCalls) == 0 {
			e.relay.PublishDone(ctx, env.channelID)
			return assistant, nil
		}

		if e.needsApproval(env, completion.ToolCalls) {
			if err := e.park(ctx, env, assistant, completion.ToolCalls); err != nil {
				e.relay.PublishError(ctx, env.channelID, err.Error())
				return nil, err
			}
			e.relay.PublishDone(ctx, env.channelID)
			return assistant, nil
		}

		for _, call := range completion.ToolCalls {
			if err := e.runToolCall(ctx, env, call, false); err != nil {
				e.relay.PublishError(ctx, env.channelID, err.Error())
				return nil, err
			}
		}
	}

	e.relay.PublishError(ctx, env.channelID, ErrToolDepthExceeded.Error())
	return nil, fmt.Errorf("%w after %d rounds in chat %s", ErrToolDepthExceeded, maxDepth, env.chat.ChatID)
}

// turn performs one LLM call: streaming with relay publication when the turn
// has a channel, blocking otherwise.
func (e *Engine) turn(ctx context.Context, env *runEnv, defs []llm.ToolDefinition) (*llm.Completion, error) {
	req := env.conv.request(defs)

	if env.channelID == "" {
		return env.conv.provider.Complete(ctx, req)
	}

	chunks, err := env.conv.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	acc := llm.NewAccumulator()
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Content != "" {
			e.relay.PublishContent(ctx, env.channelID, chunk.Content)
		}
		if tc := chunk.ToolCall; tc != nil && tc.Name != "" {
			e.relay.PublishToolCallDelta(ctx, env.channelID, tc.ID, tc.Name)
		}
		acc.Add(chunk)
	}

	return &llm.Completion{
		Content:      acc.Content(),
		ToolCalls:    acc.ToolCalls(),
		FinishReason: acc.FinishReason(),
		Usage:        acc.Usage(),
	}, nil
}

// needsApproval reports whether any call targets a function gated on human
// consent.
func (e *Engine) needsApproval(env *runEnv, calls []models.ToolCall) bool {
	for _, call := range calls {
		if tool, ok := env.tools.Lookup(call.Name); ok && tool.Meta.RequiresApproval {
			return true
		}
	}
	return false
}

// park creates a PendingApproval per consent-gated call and announces them on
// the stream. The whole turn's calls are parked together; they execute as a
// unit once approved.
func (e *Engine) park(ctx context.Context, env *runEnv, assistant *models.Message, calls []models.ToolCall) error {
	toolsRaw, err := json.Marshal(env.tools.Definitions())
	if err != nil {
		return fmt.Errorf("snapshot tools: %w", err)
	}
	snapshot := models.ConversationSnapshot{
		Messages:    env.conv.messages,
		Provider:    env.conv.providerName,
		Model:       env.conv.model,
		Temperature: env.conv.temperature,
		MaxTokens:   env.conv.maxTokens,
		Tools:       toolsRaw,
		UserCtx:     *env.userCtx,
	}

	for _, call := range calls {
		tool, ok := env.tools.Lookup(call.Name)
		if !ok || !tool.Meta.RequiresApproval {
			continue
		}
		functionRef := tool.Meta.Namespace + "/" + tool.Meta.Name
		approval := &models.PendingApproval{
			ApprovalID:         uuid.NewString(),
			ChatID:             env.chat.ChatID,
			AssistantMessageID: assistant.MessageID,
			UserID:             env.userCtx.UserID,
			ToolCallID:         call.ID,
			FunctionRef:        functionRef,
			Arguments:          json.RawMessage(normalizeArgs(call.Arguments)),
			AllToolCalls:       calls,
			Snapshot:           snapshot,
			CreatedAt:          time.Now(),
		}
		if err := e.stores.Approvals.Create(ctx, approval); err != nil {
			return fmt.Errorf("create approval for %s: %w", functionRef, err)
		}
		e.relay.PublishApprovalRequired(ctx, env.channelID,
			approval.ApprovalID, call.ID, functionRef, approval.Arguments)
		e.logger.Info("Tool call parked for approval",
			"chat_id", env.chat.ChatID, "function", functionRef,
			"approval_id", approval.ApprovalID)
	}
	return nil
}

// runToolCall dispatches one call and appends its tool-role result message.
func (e *Engine) runToolCall(ctx context.Context, env *runEnv, call models.ToolCall, approvalGranted bool) error {
	result := e.dispatch(ctx, env, call, approvalGranted)
	return e.appendToolResult(ctx, env, call, result)
}

func (e *Engine) appendToolResult(ctx context.Context, env *runEnv, call models.ToolCall, result string) error {
	msg := &models.Message{
		MessageID:  uuid.NewString(),
		ChatID:     env.chat.ChatID,
		Role:       models.RoleTool,
		Content:    models.TextContent(result),
		ToolCallID: call.ID,
		Name:       call.Name,
		CreatedAt:  time.Now(),
	}
	if err := e.stores.Chats.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist tool message: %w", err)
	}
	env.conv.messages = append(env.conv.messages, *msg)
	return nil
}

func normalizeArgs(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}

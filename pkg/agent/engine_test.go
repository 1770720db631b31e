package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/pkg/broker"
	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/executor"
	"github.com/stratumhq/stratum/pkg/llm"
	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/queue"
	"github.com/stratumhq/stratum/pkg/relay"
	"github.com/stratumhq/stratum/pkg/sandbox"
	"github.com/stratumhq/stratum/pkg/store"
	"github.com/stratumhq/stratum/pkg/store/memory"
)

// scriptedProvider plays back canned completions, one per LLM call, and
// records the requests it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    []*llm.Completion
	requests []*llm.Request
}

func (p *scriptedProvider) Name() string { return "test" }

func (p *scriptedProvider) next(req *llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		return &llm.Completion{Content: "out of script", FinishReason: "stop"}, nil
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	return turn, nil
}

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Completion, error) {
	return p.next(req)
}

func (p *scriptedProvider) Stream(_ context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	turn, err := p.next(req)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		if turn.Content != "" {
			out <- llm.Chunk{Content: turn.Content}
		}
		for i := range turn.ToolCalls {
			tc := turn.ToolCalls[i]
			out <- llm.Chunk{ToolCall: &llm.ToolCallDelta{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}}
		}
		out <- llm.Chunk{FinishReason: turn.FinishReason}
		out <- llm.Chunk{Done: true}
	}()
	return out, nil
}

// stubRunner satisfies executor.Runner for continuation dispatch.
type stubRunner struct {
	result *sandbox.ExecResult
}

func (r *stubRunner) Execute(_ context.Context, _ *sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	return r.result, nil
}

type testRig struct {
	engine   *Engine
	stores   *store.Stores
	provider *scriptedProvider
	broker   *broker.MemoryBroker
	relay    *relay.Relay

	mu            sync.Mutex
	functionJobs  []models.FunctionJobPayload
	runnerResult  *sandbox.ExecResult
	maxToolDepth  int
	agentOverride func(*models.Agent)
}

func (r *testRig) recordedJobs() []models.FunctionJobPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.FunctionJobPayload(nil), r.functionJobs...)
}

type rigOption func(*testRig)

func withMaxToolDepth(n int) rigOption {
	return func(r *testRig) { r.maxToolDepth = n }
}

func withAgent(fn func(*models.Agent)) rigOption {
	return func(r *testRig) { r.agentOverride = fn }
}

func withRunnerResult(res *sandbox.ExecResult) rigOption {
	return func(r *testRig) { r.runnerResult = res }
}

func newTestRig(t *testing.T, opts ...rigOption) *testRig {
	t.Helper()
	ctx := context.Background()

	rig := &testRig{
		stores:       memory.New(),
		provider:     &scriptedProvider{},
		broker:       broker.NewMemoryBroker(),
		maxToolDepth: 5,
		runnerResult: &sandbox.ExecResult{Status: sandbox.ResultCompleted, Result: json.RawMessage(`{"ok":true}`)},
	}
	t.Cleanup(func() { _ = rig.broker.Close() })

	ag := &models.Agent{
		Namespace:    "support",
		Name:         "helper",
		SystemPrompt: "You are a support agent helping {{.customer}}.",
		LLMProvider:  "test",
		Model:        "test-model",
		EnabledFunctions: []string{
			"tools/fetch",
		},
		FunctionParameters: map[string]map[string]models.LockedParameter{
			"tools/fetch": {
				"api_key": {Value: "secret-token", Locked: true},
				"retries": {Value: float64(3), Locked: false},
			},
		},
		StateNamespacesReadwrite: []string{"notes"},
		StateNamespacesReadonly:  []string{"prefs"},
		EnabledSkills:            []string{"kb/returns"},
	}
	for _, opt := range opts {
		opt(rig)
	}
	if rig.agentOverride != nil {
		rig.agentOverride(ag)
	}
	require.NoError(t, rig.stores.Resources.PutAgent(ctx, ag))

	require.NoError(t, rig.stores.Resources.PutFunction(ctx, &models.Function{
		Namespace:   "tools",
		Name:        "fetch",
		Code:        "def run(input): ...",
		Description: "Fetch a URL.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string"},
				"api_key": {"type": "string"},
				"retries": {"type": "integer"}
			},
			"required": ["url", "api_key"]
		}`),
		Active: true,
	}))
	require.NoError(t, rig.stores.Resources.PutFunction(ctx, &models.Function{
		Namespace:        "ops",
		Name:             "delete_user",
		Code:             "def run(input): ...",
		Description:      "Delete a user account.",
		Active:           true,
		RequiresApproval: true,
	}))
	require.NoError(t, rig.stores.Resources.PutSkill(ctx, &models.Skill{
		Namespace: "kb",
		Name:      "returns",
		Content:   "Return policy: 30 days, receipt required.",
	}))
	require.NoError(t, rig.stores.Chats.CreateChat(ctx, &models.Chat{
		ChatID:     "chat-1",
		UserID:     "u1",
		AgentRef:   "support/helper",
		AgentInput: json.RawMessage(`{"customer":"Ada"}`),
		CreatedAt:  time.Now(),
	}))

	factory := llm.NewFactory(config.NewLLMProviderRegistry(nil))
	factory.Register("test", rig.provider)

	qcfg := config.DefaultQueueConfig()
	qcfg.FunctionConcurrency = 2
	qcfg.AgentConcurrency = 1
	qcfg.PollInterval = 20 * time.Millisecond
	qcfg.DefaultTimeout = 2 * time.Second
	qcfg.JobTimeout = 2 * time.Second
	qcfg.HeartbeatInterval = 50 * time.Millisecond
	qcfg.OrphanScanInterval = time.Hour
	qcfg.GracefulShutdownTimeout = 2 * time.Second

	q := queue.NewJobQueue(rig.broker, qcfg)
	pool := queue.NewWorkerPool("test-pod", rig.broker, qcfg)
	pool.RegisterHandler(models.JobKindFunction, queue.HandlerFunc(
		func(_ context.Context, job *models.Job) (json.RawMessage, error) {
			var p models.FunctionJobPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return nil, err
			}
			rig.mu.Lock()
			rig.functionJobs = append(rig.functionJobs, p)
			rig.mu.Unlock()
			return p.InputData, nil
		}))
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	runner := &stubRunner{result: rig.runnerResult}
	exec := executor.New(rig.stores, runner, runner)
	rig.relay = relay.New(rig.broker)

	rig.engine = NewEngine(rig.stores, factory, q, exec, rig.relay, nil, nil,
		&config.Defaults{LLMProvider: "test", MaxToolDepth: rig.maxToolDepth})
	return rig
}

// awaitApprovalID drains a stream until the approval_required envelope and
// the terminal done envelope arrive, returning the parked approval's id.
func awaitApprovalID(t *testing.T, envelopes <-chan relay.Envelope) string {
	t.Helper()
	var approvalID string
	for env := range envelopes {
		if env.Type == relay.EnvelopeApprovalRequired {
			approvalID = env.ApprovalID
		}
		if env.Terminal() {
			break
		}
	}
	require.NotEmpty(t, approvalID)
	return approvalID
}

func runParams() *RunParams {
	return &RunParams{
		ChatID:  "chat-1",
		UserCtx: &models.UserContext{UserID: "u1", Permissions: []string{"*"}},
		Content: models.TextContent("hello"),
	}
}

func TestEngine_SimpleReply(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{Content: "Hi Ada, how can I help?", FinishReason: "stop"},
	}

	reply, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, how can I help?", reply.PlainText())

	// The system prompt template is rendered with the chat's agent input.
	require.Len(t, rig.provider.requests, 1)
	assert.Contains(t, rig.provider.requests[0].System, "helping Ada")
	assert.Equal(t, "test-model", rig.provider.requests[0].Model)

	msgs, err := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestEngine_FunctionToolRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "tools__fetch", Arguments: `{"url":"https://example.com"}`}},
			FinishReason: "tool_calls",
		},
		{Content: "Fetched it.", FinishReason: "stop"},
	}

	reply, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)
	assert.Equal(t, "Fetched it.", reply.PlainText())

	// Locked and default parameters are merged into the dispatched input.
	jobs := rig.recordedJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "tools", jobs[0].FunctionNamespace)
	assert.Equal(t, models.TriggerAgent, jobs[0].TriggerType)
	var input map[string]any
	require.NoError(t, json.Unmarshal(jobs[0].InputData, &input))
	assert.Equal(t, "https://example.com", input["url"])
	assert.Equal(t, "secret-token", input["api_key"])
	assert.Equal(t, float64(3), input["retries"])

	msgs, err := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user, assistant(tool call), tool, assistant(final)
	assert.Equal(t, models.RoleTool, msgs[2].Role)
	assert.Equal(t, "tc1", msgs[2].ToolCallID)
}

func TestEngine_LockedParameterOverridesModel(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "tools__fetch", Arguments: `{"url":"x","api_key":"model-guess"}`}},
			FinishReason: "tool_calls",
		},
		{Content: "done", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)

	jobs := rig.recordedJobs()
	require.Len(t, jobs, 1)
	var input map[string]any
	require.NoError(t, json.Unmarshal(jobs[0].InputData, &input))
	assert.Equal(t, "secret-token", input["api_key"])
}

func TestEngine_LockedValueMaskedFromTranscript(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "tools__fetch", Arguments: `{"url":"x"}`}},
			FinishReason: "tool_calls",
		},
		{Content: "done", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)

	// The queue handler echoes the input, locked secret included. The tool
	// message recorded for the model must not contain it.
	msgs, err := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, models.RoleTool, msgs[2].Role)
	assert.NotContains(t, msgs[2].PlainText(), "secret-token")
	assert.Contains(t, msgs[2].PlainText(), "***MASKED***")
}

func TestEngine_UnknownToolRejected(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "rm_rf_slash", Arguments: `{}`}},
			FinishReason: "tool_calls",
		},
		{Content: "understood", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)

	msgs, _ := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].PlainText(), "unknown tool")
	assert.Empty(t, rig.recordedJobs())
}

func TestEngine_InvalidArgumentsBecomeToolError(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "tools__fetch", Arguments: `{"url":`}},
			FinishReason: "tool_calls",
		},
		{Content: "sorry", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)

	msgs, _ := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	assert.Contains(t, msgs[2].PlainText(), "invalid JSON")
}

func TestEngine_PermissionDenied(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "tools__fetch", Arguments: `{"url":"x"}`}},
			FinishReason: "tool_calls",
		},
		{Content: "cannot", FinishReason: "stop"},
	}

	params := runParams()
	params.UserCtx = &models.UserContext{UserID: "u1"} // no grants

	_, err := rig.engine.Run(context.Background(), params)
	require.NoError(t, err)

	msgs, _ := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	assert.Contains(t, msgs[2].PlainText(), "permission denied")
	assert.Empty(t, rig.recordedJobs())
}

func TestEngine_StateTools(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls: []models.ToolCall{
				{ID: "tc1", Name: "save_state", Arguments: `{"namespace":"notes","key":"order","value":"refund requested"}`},
			},
			FinishReason: "tool_calls",
		},
		{Content: "noted", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(ctx, runParams())
	require.NoError(t, err)

	rec, err := rig.stores.State.Get(ctx, "u1", "notes", "order")
	require.NoError(t, err)
	assert.Equal(t, "refund requested", rec.Value)
}

func TestEngine_ReadonlyNamespaceRejectsWrites(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls: []models.ToolCall{
				{ID: "tc1", Name: "save_state", Arguments: `{"namespace":"prefs","key":"theme","value":"dark"}`},
			},
			FinishReason: "tool_calls",
		},
		{Content: "cannot", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)

	msgs, _ := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	assert.Contains(t, msgs[2].PlainText(), "read-only")
}

func TestEngine_StateContextInSystemPrompt(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	require.NoError(t, rig.stores.State.Set(ctx, &models.StateRecord{
		UserID: "u1", Namespace: "prefs", Key: "language", Value: "fr", UpdatedAt: time.Now(),
	}))
	rig.provider.turns = []*llm.Completion{{Content: "bonjour", FinishReason: "stop"}}

	_, err := rig.engine.Run(ctx, runParams())
	require.NoError(t, err)

	require.Len(t, rig.provider.requests, 1)
	assert.Contains(t, rig.provider.requests[0].System, "[prefs] language = fr")
}

func TestEngine_SkillTool(t *testing.T) {
	rig := newTestRig(t)
	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "get_skill_kb__returns", Arguments: ""}},
			FinishReason: "tool_calls",
		},
		{Content: "30 days", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)

	msgs, _ := rig.stores.Chats.ListMessages(context.Background(), "chat-1", 0)
	assert.Contains(t, msgs[2].PlainText(), "Return policy: 30 days")
}

func TestEngine_PreloadedSkillRidesSystemPrompt(t *testing.T) {
	rig := newTestRig(t, withAgent(func(ag *models.Agent) {
		ag.EnabledSkills = []string{"kb/escalation"}
	}))
	require.NoError(t, rig.stores.Resources.PutSkill(context.Background(), &models.Skill{
		Namespace: "kb", Name: "escalation",
		Content: "Escalate to tier 2 after two failed fixes.", Preload: true,
	}))
	rig.provider.turns = []*llm.Completion{{Content: "ok", FinishReason: "stop"}}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.NoError(t, err)

	require.Len(t, rig.provider.requests, 1)
	assert.Contains(t, rig.provider.requests[0].System, "Escalate to tier 2")
	// Preloaded skills are not offered as tools.
	for _, def := range rig.provider.requests[0].Tools {
		assert.NotContains(t, def.Name, "get_skill_kb__escalation")
	}
}

func TestEngine_SubAgentDelegation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, withAgent(func(ag *models.Agent) {
		ag.EnabledAgents = []string{"research/digger"}
	}))
	require.NoError(t, rig.stores.Resources.PutAgent(ctx, &models.Agent{
		Namespace:    "research",
		Name:         "digger",
		SystemPrompt: "You dig up facts.",
		LLMProvider:  "test",
	}))

	rig.provider.turns = []*llm.Completion{
		// Parent turn: delegate.
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "research__digger", Arguments: `{"request":"population of Lyon"}`}},
			FinishReason: "tool_calls",
		},
		// Sub-agent turn.
		{Content: "About 520,000.", FinishReason: "stop"},
		// Parent final turn.
		{Content: "Lyon has about 520,000 residents.", FinishReason: "stop"},
	}

	reply, err := rig.engine.Run(ctx, runParams())
	require.NoError(t, err)
	assert.Contains(t, reply.PlainText(), "520,000")

	msgs, _ := rig.stores.Chats.ListMessages(ctx, "chat-1", 0)
	require.Len(t, msgs, 4)
	assert.Equal(t, "About 520,000.", msgs[2].PlainText())
}

func TestEngine_ContinuationTool(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, withRunnerResult(&sandbox.ExecResult{
		Status: sandbox.ResultCompleted,
		Result: json.RawMessage(`{"report":"done"}`),
	}))
	require.NoError(t, rig.stores.Resources.PutFunction(ctx, &models.Function{
		Namespace: "jobs", Name: "report", Code: "def run(input): ...", Active: true,
	}))
	require.NoError(t, rig.stores.Executions.Create(ctx, &models.ExecutionRecord{
		ExecutionID:       "exec-paused",
		FunctionNamespace: "jobs",
		FunctionName:      "report",
		UserID:            "u1",
		ChatID:            "chat-1",
		Status:            models.ExecutionStatusAwaitingInput,
		PausePrompt:       "Which quarter?",
		GeneratorState:    []byte("cursor-1"),
		CreatedAt:         time.Now(),
	}))

	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls: []models.ToolCall{{
				ID:        "tc1",
				Name:      "continue_execution",
				Arguments: `{"execution_id":"exec-paused","resume_data":{"quarter":"Q3"}}`,
			}},
			FinishReason: "tool_calls",
		},
		{Content: "The report is finished.", FinishReason: "stop"},
	}

	_, err := rig.engine.Run(ctx, runParams())
	require.NoError(t, err)

	rec, err := rig.stores.Executions.Get(ctx, "exec-paused")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, rec.Status)

	msgs, _ := rig.stores.Chats.ListMessages(ctx, "chat-1", 0)
	assert.Contains(t, msgs[2].PlainText(), `"report":"done"`)
}

func TestEngine_DepthLimit(t *testing.T) {
	rig := newTestRig(t, withMaxToolDepth(2))
	loopTurn := &llm.Completion{
		ToolCalls:    []models.ToolCall{{ID: "tc", Name: "tools__fetch", Arguments: `{"url":"x"}`}},
		FinishReason: "tool_calls",
	}
	rig.provider.turns = []*llm.Completion{loopTurn, loopTurn, loopTurn}

	_, err := rig.engine.Run(context.Background(), runParams())
	require.ErrorIs(t, err, ErrToolDepthExceeded)
}

func TestEngine_ApprovalPauseAndResume(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, withAgent(func(ag *models.Agent) {
		ag.EnabledFunctions = append(ag.EnabledFunctions, "ops/delete_user")
	}))

	envelopes, cancel, err := rig.relay.Subscribe(ctx, "chan-1")
	require.NoError(t, err)
	defer cancel()

	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "ops__delete_user", Arguments: `{"username":"bob"}`}},
			FinishReason: "tool_calls",
		},
	}

	params := runParams()
	params.ChannelID = "chan-1"
	reply, err := rig.engine.Run(ctx, params)
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)

	var approvalID string
	sawApproval := false
	for env := range envelopes {
		if env.Type == relay.EnvelopeApprovalRequired {
			sawApproval = true
			approvalID = env.ApprovalID
			assert.Equal(t, "ops/delete_user", env.FunctionRef)
			assert.Equal(t, "tc1", env.ToolCallID)
		}
		if env.Terminal() {
			break
		}
	}
	require.True(t, sawApproval)
	require.NotEmpty(t, approvalID)

	// No dispatch happened while parked.
	assert.Empty(t, rig.recordedJobs())

	_, err = rig.stores.Approvals.Decide(ctx, approvalID, models.ApprovalApproved)
	require.NoError(t, err)

	rig.provider.turns = []*llm.Completion{
		{Content: "Bob is gone.", FinishReason: "stop"},
	}
	final, err := rig.engine.Resume(ctx, approvalID, true, "")
	require.NoError(t, err)
	assert.Equal(t, "Bob is gone.", final.PlainText())

	jobs := rig.recordedJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ops", jobs[0].FunctionNamespace)
	assert.Equal(t, "delete_user", jobs[0].FunctionName)
}

func TestEngine_ApprovalRejection(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, withAgent(func(ag *models.Agent) {
		ag.EnabledFunctions = append(ag.EnabledFunctions, "ops/delete_user")
	}))

	runStream, runCancel, err := rig.relay.Subscribe(ctx, "chan-2a")
	require.NoError(t, err)
	defer runCancel()

	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "ops__delete_user", Arguments: `{"username":"bob"}`}},
			FinishReason: "tool_calls",
		},
	}
	params := runParams()
	params.ChannelID = "chan-2a"
	_, err = rig.engine.Run(ctx, params)
	require.NoError(t, err)
	approvalID := awaitApprovalID(t, runStream)

	envelopes, cancel, err := rig.relay.Subscribe(ctx, "chan-2")
	require.NoError(t, err)
	defer cancel()

	rig.provider.turns = []*llm.Completion{
		{Content: "Understood, I will not delete Bob.", FinishReason: "stop"},
	}

	_, err = rig.stores.Approvals.Decide(ctx, approvalID, models.ApprovalRejected)
	require.NoError(t, err)

	final, err := rig.engine.Resume(ctx, approvalID, false, "chan-2")
	require.NoError(t, err)
	assert.Contains(t, final.PlainText(), "not delete")

	sawRejected := false
	for env := range envelopes {
		if env.Type == relay.EnvelopeToolRejected {
			sawRejected = true
			assert.Equal(t, "tc1", env.ToolCallID)
		}
		if env.Terminal() {
			break
		}
	}
	assert.True(t, sawRejected)

	// The refusal rides a synthetic tool message so the model can react.
	msgs, _ := rig.stores.Chats.ListMessages(ctx, "chat-1", 0)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].PlainText(), "rejected")
	assert.Empty(t, rig.recordedJobs())
}

func TestEngine_StreamingPublishesContent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	envelopes, cancel, err := rig.relay.Subscribe(ctx, "chan-3")
	require.NoError(t, err)
	defer cancel()

	rig.provider.turns = []*llm.Completion{
		{Content: "streamed reply", FinishReason: "stop"},
	}

	params := runParams()
	params.ChannelID = "chan-3"
	_, err = rig.engine.Run(ctx, params)
	require.NoError(t, err)

	var content string
	sawDone := false
	for env := range envelopes {
		switch env.Type {
		case relay.EnvelopeContent:
			content += env.Delta
		case relay.EnvelopeDone:
			sawDone = true
		}
		if env.Terminal() {
			break
		}
	}
	assert.Equal(t, "streamed reply", content)
	assert.True(t, sawDone)
}

func TestEngine_ResumeRequiresRecordedDecision(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, withAgent(func(ag *models.Agent) {
		ag.EnabledFunctions = append(ag.EnabledFunctions, "ops/delete_user")
	}))

	runStream, runCancel, err := rig.relay.Subscribe(ctx, "chan-4")
	require.NoError(t, err)
	defer runCancel()

	rig.provider.turns = []*llm.Completion{
		{
			ToolCalls:    []models.ToolCall{{ID: "tc1", Name: "ops__delete_user", Arguments: `{"username":"bob"}`}},
			FinishReason: "tool_calls",
		},
	}
	params := runParams()
	params.ChannelID = "chan-4"
	_, err = rig.engine.Run(ctx, params)
	require.NoError(t, err)
	approvalID := awaitApprovalID(t, runStream)

	// Resuming before anyone decided must not execute the parked call.
	_, err = rig.engine.Resume(ctx, approvalID, true, "")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindValidation, models.KindOf(err))
	assert.Empty(t, rig.recordedJobs())

	_, err = rig.stores.Approvals.Decide(ctx, approvalID, models.ApprovalApproved)
	require.NoError(t, err)

	// A resume that contradicts the recorded decision is rejected too.
	_, err = rig.engine.Resume(ctx, approvalID, false, "")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindValidation, models.KindOf(err))
	assert.Empty(t, rig.recordedJobs())

	rig.provider.turns = []*llm.Completion{
		{Content: "Done.", FinishReason: "stop"},
	}
	final, err := rig.engine.Resume(ctx, approvalID, true, "")
	require.NoError(t, err)
	assert.Equal(t, "Done.", final.PlainText())
	assert.Len(t, rig.recordedJobs(), 1)
}

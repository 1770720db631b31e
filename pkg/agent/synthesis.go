package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/stratumhq/stratum/pkg/llm"
	"github.com/stratumhq/stratum/pkg/mcp"
	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// ToolKind classifies a synthesised tool for dispatch routing.
type ToolKind string

// Tool kind constants.
const (
	ToolKindFunction     ToolKind = "function"
	ToolKindSubAgent     ToolKind = "sub_agent"
	ToolKindSkill        ToolKind = "skill"
	ToolKindMCP          ToolKind = "mcp"
	ToolKindState        ToolKind = "state"
	ToolKindContinuation ToolKind = "continuation"
)

// ToolMeta is the private dispatch metadata attached to a synthesised tool.
// It never reaches the LLM provider; only the Definition does.
type ToolMeta struct {
	Kind ToolKind

	// Function / skill / sub-agent resource reference.
	Namespace string
	Name      string

	// Function tools.
	Locked           map[string]any
	Defaults         map[string]any
	RequiresApproval bool

	// MCP tools.
	ServerID   string
	RemoteName string

	// Continuation tool: paused execution_id → function ref.
	Paused map[string]string
}

// Tool pairs the provider-facing definition with dispatch metadata.
type Tool struct {
	Def  llm.ToolDefinition
	Meta ToolMeta
}

// ToolSet is the active tool list for one conversation turn, keyed by the
// flat name the LLM sees.
type ToolSet struct {
	order []string
	tools map[string]*Tool
}

// Definitions returns the provider-facing tool list in synthesis order.
func (ts *ToolSet) Definitions() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.tools[name].Def)
	}
	return out
}

// Lookup returns the tool registered under the flat name.
func (ts *ToolSet) Lookup(name string) (*Tool, bool) {
	t, ok := ts.tools[name]
	return t, ok
}

// Len returns the number of synthesised tools.
func (ts *ToolSet) Len() int { return len(ts.order) }

func (ts *ToolSet) add(t *Tool) {
	if _, exists := ts.tools[t.Def.Name]; exists {
		return // first synthesis wins on a name collision
	}
	ts.order = append(ts.order, t.Def.Name)
	ts.tools[t.Def.Name] = t
}

// flatName renders "namespace/name" into the flat letters/digits/underscore
// form LLM providers require.
func flatName(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '/':
			b.WriteString("__")
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Synthesiser builds the tool list an agent's LLM sees: enabled functions
// with locked parameters stripped from their schemas, sub-agents, on-demand
// skills, external MCP tools, state tools, and the continuation tool for
// paused executions.
type Synthesiser struct {
	stores *store.Stores
	logger *slog.Logger
}

// NewSynthesiser creates a synthesiser over the stores.
func NewSynthesiser(stores *store.Stores) *Synthesiser {
	return &Synthesiser{
		stores: stores,
		logger: slog.With("component", "tool_synthesiser"),
	}
}

// Build assembles the active tool set for one turn. mcpClient may be nil when
// the agent has no external servers enabled.
func (s *Synthesiser) Build(ctx context.Context, ag *models.Agent, userCtx *models.UserContext, chatID string, mcpClient *mcp.Client) (*ToolSet, error) {
	ts := &ToolSet{tools: make(map[string]*Tool)}

	for _, ref := range ag.EnabledFunctions {
		tool, err := s.functionTool(ctx, ag, ref)
		if err != nil {
			s.logger.Warn("Skipping unavailable function tool", "function", ref, "error", err)
			continue
		}
		ts.add(tool)
	}

	for _, ref := range ag.EnabledAgents {
		tool, err := s.subAgentTool(ctx, ref)
		if err != nil {
			s.logger.Warn("Skipping unavailable sub-agent tool", "agent", ref, "error", err)
			continue
		}
		ts.add(tool)
	}

	for _, ref := range ag.EnabledSkills {
		tool, err := s.skillTool(ctx, ref)
		if err != nil {
			s.logger.Warn("Skipping unavailable skill tool", "skill", ref, "error", err)
			continue
		}
		if tool != nil { // preloaded skills ride the system prompt instead
			ts.add(tool)
		}
	}

	if mcpClient != nil {
		s.addMCPTools(ctx, ts, mcpClient)
	}

	if len(ag.StateNamespaces()) > 0 {
		for _, tool := range stateTools(ag) {
			ts.add(tool)
		}
	}

	if tool, err := s.continuationTool(ctx, userCtx.UserID, chatID); err != nil {
		s.logger.Warn("Skipping continuation tool", "chat_id", chatID, "error", err)
	} else if tool != nil {
		ts.add(tool)
	}

	return ts, nil
}

// functionTool projects a function's input schema into a tool definition.
// Locked parameters are removed so the LLM never sees them; overridable
// parameters gain a default and become optional.
func (s *Synthesiser) functionTool(ctx context.Context, ag *models.Agent, ref string) (*Tool, error) {
	parsed, err := models.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	fn, err := s.stores.Resources.GetFunction(ctx, parsed.Namespace, parsed.Name)
	if err != nil {
		return nil, err
	}
	if !fn.Active {
		return nil, fmt.Errorf("function %s is inactive", ref)
	}

	locked := make(map[string]any)
	defaults := make(map[string]any)
	for param, lp := range ag.FunctionParameters[ref] {
		if lp.Locked {
			locked[param] = lp.Value
		} else {
			defaults[param] = lp.Value
		}
	}

	schema, err := projectSchema(fn.InputSchema, locked, defaults)
	if err != nil {
		return nil, fmt.Errorf("project schema for %s: %w", ref, err)
	}

	return &Tool{
		Def: llm.ToolDefinition{
			Name:        flatName(ref),
			Description: fn.Description,
			Parameters:  schema,
		},
		Meta: ToolMeta{
			Kind:             ToolKindFunction,
			Namespace:        parsed.Namespace,
			Name:             parsed.Name,
			Locked:           locked,
			Defaults:         defaults,
			RequiresApproval: fn.RequiresApproval,
		},
	}, nil
}

// projectSchema rewrites a JSON schema for the LLM's view: locked properties
// disappear entirely, overridable ones carry a default and leave the
// required list.
func projectSchema(raw json.RawMessage, locked, defaults map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}

	props, _ := schema["properties"].(map[string]any)
	for param := range locked {
		delete(props, param)
	}
	for param, value := range defaults {
		if prop, ok := props[param].(map[string]any); ok {
			prop["default"] = value
		}
	}

	if required, ok := schema["required"].([]any); ok {
		kept := make([]any, 0, len(required))
		for _, entry := range required {
			name, _ := entry.(string)
			if _, isLocked := locked[name]; isLocked {
				continue
			}
			if _, hasDefault := defaults[name]; hasDefault {
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) > 0 {
			schema["required"] = kept
		} else {
			delete(schema, "required")
		}
	}

	return json.Marshal(schema)
}

// subAgentTool exposes another agent as a callable. The target binding lives
// in metadata; the LLM only sees the agent's input schema.
func (s *Synthesiser) subAgentTool(ctx context.Context, ref string) (*Tool, error) {
	parsed, err := models.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	target, err := s.stores.Resources.GetAgent(ctx, parsed.Namespace, parsed.Name)
	if err != nil {
		return nil, err
	}

	schema := target.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{"request":{"type":"string","description":"What to ask the agent"}}}`)
	}
	return &Tool{
		Def: llm.ToolDefinition{
			Name:        flatName(ref),
			Description: fmt.Sprintf("Delegate a task to the %s agent.", ref),
			Parameters:  schema,
		},
		Meta: ToolMeta{
			Kind:      ToolKindSubAgent,
			Namespace: parsed.Namespace,
			Name:      parsed.Name,
		},
	}, nil
}

// skillTool exposes an on-demand skill as a get_skill_* tool. Preloaded
// skills return nil here; their content rides the system prompt.
func (s *Synthesiser) skillTool(ctx context.Context, ref string) (*Tool, error) {
	parsed, err := models.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	skill, err := s.stores.Resources.GetSkill(ctx, parsed.Namespace, parsed.Name)
	if err != nil {
		return nil, err
	}
	if skill.Preload {
		return nil, nil
	}

	return &Tool{
		Def: llm.ToolDefinition{
			Name:        "get_skill_" + flatName(ref),
			Description: fmt.Sprintf("Fetch the %q reference content. %s", ref, skill.Description),
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		Meta: ToolMeta{
			Kind:      ToolKindSkill,
			Namespace: parsed.Namespace,
			Name:      parsed.Name,
		},
	}, nil
}

// addMCPTools wraps every tool the connected servers advertise. Discovery
// failures degrade to fewer tools, never to a failed turn.
func (s *Synthesiser) addMCPTools(ctx context.Context, ts *ToolSet, client *mcp.Client) {
	byServer, err := client.ListAllTools(ctx)
	if err != nil {
		s.logger.Warn("MCP tool discovery failed", "error", err)
		return
	}

	serverIDs := make([]string, 0, len(byServer))
	for id := range byServer {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	for _, serverID := range serverIDs {
		for _, remote := range byServer[serverID] {
			params, err := json.Marshal(remote.InputSchema)
			if err != nil || len(params) == 0 || string(params) == "null" {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			ts.add(&Tool{
				Def: llm.ToolDefinition{
					Name:        flatName(serverID) + "__" + flatName(remote.Name),
					Description: remote.Description,
					Parameters:  params,
				},
				Meta: ToolMeta{
					Kind:       ToolKindMCP,
					ServerID:   serverID,
					RemoteName: remote.Name,
				},
			})
		}
	}
}

// stateTools synthesises the key/value tools with the agent's allowed
// namespaces baked into enum parameters. Write tools only appear when the
// agent has at least one readwrite namespace.
func stateTools(ag *models.Agent) []*Tool {
	readable := ag.StateNamespaces()
	writable := ag.StateNamespacesReadwrite

	out := []*Tool{
		{
			Def: llm.ToolDefinition{
				Name:        "retrieve_state",
				Description: "Retrieve a stored value by namespace and key.",
				Parameters:  stateSchema(readable, true, false),
			},
			Meta: ToolMeta{Kind: ToolKindState, Name: "retrieve_state"},
		},
	}
	if len(writable) > 0 {
		out = append(out,
			&Tool{
				Def: llm.ToolDefinition{
					Name:        "save_state",
					Description: "Save a value under a namespace and key.",
					Parameters:  stateSchema(writable, true, true),
				},
				Meta: ToolMeta{Kind: ToolKindState, Name: "save_state"},
			},
			&Tool{
				Def: llm.ToolDefinition{
					Name:        "update_state",
					Description: "Overwrite the value stored under a namespace and key.",
					Parameters:  stateSchema(writable, true, true),
				},
				Meta: ToolMeta{Kind: ToolKindState, Name: "update_state"},
			},
			&Tool{
				Def: llm.ToolDefinition{
					Name:        "delete_state",
					Description: "Delete the value stored under a namespace and key.",
					Parameters:  stateSchema(writable, true, false),
				},
				Meta: ToolMeta{Kind: ToolKindState, Name: "delete_state"},
			},
		)
	}
	return out
}

func stateSchema(namespaces []string, withKey, withValue bool) json.RawMessage {
	props := map[string]any{
		"namespace": map[string]any{"type": "string", "enum": namespaces},
	}
	required := []string{"namespace"}
	if withKey {
		props["key"] = map[string]any{"type": "string"}
		required = append(required, "key")
	}
	if withValue {
		props["value"] = map[string]any{"type": "string"}
		required = append(required, "value")
	}
	raw, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
	return raw
}

// continuationTool lets the LLM resume executions paused for user input in
// this chat. Returns nil when nothing is paused.
func (s *Synthesiser) continuationTool(ctx context.Context, userID, chatID string) (*Tool, error) {
	paused, err := s.stores.Executions.ListAwaitingInput(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if len(paused) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(paused))
	refs := make(map[string]string, len(paused))
	for _, rec := range paused {
		ids = append(ids, rec.ExecutionID)
		refs[rec.ExecutionID] = rec.FunctionRef()
	}

	raw, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"execution_id": map[string]any{"type": "string", "enum": ids},
			"resume_data":  map[string]any{"type": "object", "description": "The input the paused function asked for"},
		},
		"required": []string{"execution_id", "resume_data"},
	})
	return &Tool{
		Def: llm.ToolDefinition{
			Name:        "continue_execution",
			Description: "Resume a function execution that paused to ask the user for input.",
			Parameters:  raw,
		},
		Meta: ToolMeta{Kind: ToolKindContinuation, Paused: refs},
	}, nil
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/stratumhq/stratum/pkg/llm"
	"github.com/stratumhq/stratum/pkg/models"
)

// conversation is the assembled context for one turn: the rendered system
// prompt, the ordered transcript, and the resolved provider settings.
type conversation struct {
	provider     llm.Provider
	providerName string
	model        string
	temperature  float64
	maxTokens    int

	system   string
	messages []models.Message
}

func (c *conversation) request(tools []llm.ToolDefinition) *llm.Request {
	return &llm.Request{
		Model:       c.model,
		System:      c.system,
		Messages:    c.messages,
		Tools:       tools,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
}

// assembleContext builds the conversation for a turn: system prompt rendered
// with the chat's agent input, stored state and preloaded skills appended,
// history loaded in created_at order, provider resolved with message
// override > agent setting > system default.
func (e *Engine) assembleContext(ctx context.Context, chat *models.Chat, ag *models.Agent, providerOverride, modelOverride string) (*conversation, error) {
	system := renderSystemPrompt(ag.SystemPrompt, chat.AgentInput)

	if block := e.stateContext(ctx, chat.UserID, ag); block != "" {
		system += "\n\n" + block
	}
	if block := e.preloadedSkills(ctx, ag); block != "" {
		system += "\n\n" + block
	}
	if block := e.serverInstructions(ag); block != "" {
		system += "\n\n" + block
	}

	providerName := e.defaults.LLMProvider
	if ag.LLMProvider != "" {
		providerName = ag.LLMProvider
	}
	if providerOverride != "" {
		providerName = providerOverride
	}
	provider, err := e.llm.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("resolve llm provider %q: %w", providerName, err)
	}

	model := ag.Model
	if modelOverride != "" {
		model = modelOverride
	}

	history, err := e.stores.Chats.ListMessages(ctx, chat.ChatID, 0)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	messages := make([]models.Message, 0, len(ag.InitialMessages)+len(history))
	messages = append(messages, ag.InitialMessages...)
	for _, m := range history {
		messages = append(messages, *m)
	}

	return &conversation{
		provider:     provider,
		providerName: providerName,
		model:        model,
		temperature:  ag.Temperature,
		maxTokens:    ag.MaxTokens,
		system:       system,
		messages:     messages,
	}, nil
}

// renderSystemPrompt executes the agent's prompt template against the chat's
// agent input. A prompt that fails to parse or execute is used verbatim: a
// degraded prompt beats a dead conversation.
func renderSystemPrompt(prompt string, agentInput json.RawMessage) string {
	var input map[string]any
	if len(agentInput) > 0 {
		_ = json.Unmarshal(agentInput, &input)
	}

	tmpl, err := template.New("system_prompt").Option("missingkey=zero").Parse(prompt)
	if err != nil {
		return prompt
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, input); err != nil {
		return prompt
	}
	return b.String()
}

// stateContext renders the agent's readable state records into an
// informational block. Empty when the agent has no namespaces or no records.
func (e *Engine) stateContext(ctx context.Context, userID string, ag *models.Agent) string {
	namespaces := ag.StateNamespaces()
	if len(namespaces) == 0 {
		return ""
	}

	var b strings.Builder
	for _, ns := range namespaces {
		records, err := e.stores.State.List(ctx, userID, ns)
		if err != nil {
			e.logger.Warn("Failed to load state namespace for prompt",
				"namespace", ns, "error", err)
			continue
		}
		for _, rec := range records {
			fmt.Fprintf(&b, "- [%s] %s = %s\n", rec.Namespace, rec.Key, rec.Value)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Stored state\n" + b.String()
}

// preloadedSkills concatenates the content of skills marked preload.
func (e *Engine) preloadedSkills(ctx context.Context, ag *models.Agent) string {
	var b strings.Builder
	for _, ref := range ag.EnabledSkills {
		parsed, err := models.ParseRef(ref)
		if err != nil {
			continue
		}
		skill, err := e.stores.Resources.GetSkill(ctx, parsed.Namespace, parsed.Name)
		if err != nil {
			e.logger.Warn("Failed to load skill for prompt", "skill", ref, "error", err)
			continue
		}
		if !skill.Preload {
			continue
		}
		fmt.Fprintf(&b, "## Skill: %s\n%s\n\n", ref, skill.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// serverInstructions appends the instructions of enabled MCP servers.
func (e *Engine) serverInstructions(ag *models.Agent) string {
	if e.servers == nil {
		return ""
	}
	var b strings.Builder
	for _, serverID := range ag.EnabledMCPTools {
		cfg, err := e.servers.Get(serverID)
		if err != nil || cfg.Instructions == "" {
			continue
		}
		fmt.Fprintf(&b, "%s\n", cfg.Instructions)
	}
	return strings.TrimRight(b.String(), "\n")
}

package llm

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/models"
)

func intp(i int) *int { return &i }

func TestAccumulator_IndexKeyedFragments(t *testing.T) {
	// OpenAI style: id and name arrive once, argument fragments follow keyed
	// only by index.
	a := NewAccumulator()
	a.Add(Chunk{Content: "Let me check."})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: intp(0), ID: "tc1", Name: "tools__fetch"}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: intp(0), Arguments: `{"url":`}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: intp(0), Arguments: `"https://example.com"}`}})
	a.Add(Chunk{FinishReason: "tool_calls"})

	assert.Equal(t, "Let me check.", a.Content())
	assert.Equal(t, "tool_calls", a.FinishReason())

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tc1", calls[0].ID)
	assert.Equal(t, "tools__fetch", calls[0].Name)
	assert.JSONEq(t, `{"url":"https://example.com"}`, calls[0].Arguments)
}

func TestAccumulator_IDKeyedFragments(t *testing.T) {
	// Claude style: every fragment carries the tool call id, no index.
	a := NewAccumulator()
	a.Add(Chunk{ToolCall: &ToolCallDelta{ID: "tu1", Name: "ops__report"}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{ID: "tu1", Arguments: `{"period"`}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{ID: "tu1", Arguments: `:"weekly"}`}})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"period":"weekly"}`, calls[0].Arguments)
}

func TestAccumulator_ParallelToolCallsPreserveOrder(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: intp(0), ID: "tc1", Name: "first", Arguments: `{}`}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: intp(1), ID: "tc2", Name: "second"}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: intp(1), Arguments: `{"n":2}`}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: intp(0), Arguments: ``}})

	calls := a.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
	assert.JSONEq(t, `{"n":2}`, calls[1].Arguments)
}

func TestAccumulator_FragmentWithoutKeyContinuesLastCall(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{ToolCall: &ToolCallDelta{ID: "tc1", Name: "tools__fetch"}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Arguments: `{"q":1}`}})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"q":1}`, calls[0].Arguments)
}

func TestAccumulator_EmptyArgumentsDefaultToObject(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{ToolCall: &ToolCallDelta{ID: "tc1", Name: "noargs"}})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "{}", calls[0].Arguments)
}

func TestConvertOpenAIMessages(t *testing.T) {
	req := &Request{
		System: "You are helpful.",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: models.TextContent("hi")},
			{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: "tc1", Name: "tools__fetch", Arguments: `{"url":"x"}`}},
			},
			{Role: models.RoleTool, ToolCallID: "tc1", Name: "tools__fetch", Content: models.TextContent(`{"ok":true}`)},
			{Role: models.RoleUser, Content: []models.ContentPart{
				{Type: models.PartText, Text: "what is this?"},
				{Type: models.PartImage, URL: "https://example.com/cat.png", MIME: "image/png"},
			}},
		},
	}

	out := convertOpenAIMessages(req)
	require.Len(t, out, 5)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "You are helpful.", out[0].Content)
	assert.Equal(t, "hi", out[1].Content)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "tc1", out[2].ToolCalls[0].ID)
	assert.Equal(t, "tc1", out[3].ToolCallID)
	require.Len(t, out[4].MultiContent, 2)
	assert.Equal(t, "https://example.com/cat.png", out[4].MultiContent[1].ImageURL.URL)
}

func TestConvertAnthropicMessages(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: models.TextContent("delete bob")},
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "tu1", Name: "ops__delete_user", Arguments: `{"username":"bob"}`}},
		},
		{Role: models.RoleTool, ToolCallID: "tu1", Content: models.TextContent("done")},
	}

	out, err := convertAnthropicMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
	// Tool results ride user-role messages in the Messages API.
	assert.Equal(t, "user", string(out[2].Role))
}

func TestConvertAnthropicMessages_BadToolArguments(t *testing.T) {
	_, err := convertAnthropicMessages([]models.Message{{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "tu1", Name: "x", Arguments: `{"broken`}},
	}})
	require.Error(t, err)
}

func TestFactory_ResolvesAndCaches(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	registry := config.NewLLMProviderRegistry(map[string]*config.LLMProviderConfig{
		"default": {Type: config.ProviderTypeOpenAI, Model: "gpt-4o", APIKeyEnv: "TEST_OPENAI_KEY"},
	})
	f := NewFactory(registry)

	p1, err := f.Get("default")
	require.NoError(t, err)
	assert.Equal(t, "default", p1.Name())

	p2, err := f.Get("default")
	require.NoError(t, err)
	assert.Same(t, p1.(*OpenAIProvider), p2.(*OpenAIProvider))
}

func TestFactory_InactiveProviderFailsFast(t *testing.T) {
	inactive := false
	registry := config.NewLLMProviderRegistry(map[string]*config.LLMProviderConfig{
		"legacy": {Type: config.ProviderTypeOpenAI, Model: "gpt-4", Active: &inactive},
	})
	f := NewFactory(registry)

	_, err := f.Get("legacy")
	require.ErrorIs(t, err, ErrProviderInactive)

	_, err = f.Get("missing")
	require.ErrorIs(t, err, config.ErrLLMProviderNotFound)
}

func TestFactory_MissingAPIKey(t *testing.T) {
	require.NoError(t, os.Unsetenv("NO_SUCH_KEY_ENV"))
	registry := config.NewLLMProviderRegistry(map[string]*config.LLMProviderConfig{
		"anthropic": {Type: config.ProviderTypeAnthropic, Model: "claude-sonnet-4-5", APIKeyEnv: "NO_SUCH_KEY_ENV"},
	})
	f := NewFactory(registry)

	_, err := f.Get("anthropic")
	require.ErrorIs(t, err, ErrNoAPIKey)
}

func TestFormatToolCalls(t *testing.T) {
	out := FormatToolCalls([]models.ToolCall{{ID: "tc1", Name: "tools__fetch", Arguments: `{"url":"x"}`}})
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t,
		`[{"id":"tc1","type":"function","function":{"name":"tools__fetch","arguments":"{\"url\":\"x\"}"}}]`,
		string(raw))
}

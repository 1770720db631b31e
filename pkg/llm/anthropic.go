package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/models"
)

// anthropicDefaultMaxTokens applies when neither the request nor the
// provider config caps completion length; the Messages API requires a value.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider serves the Claude Messages API.
type AnthropicProvider struct {
	name   string
	client sdk.Client
	cfg    *config.LLMProviderConfig
	logger *slog.Logger
}

// NewAnthropic creates a provider against the configured endpoint.
func NewAnthropic(name, apiKey string, cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: provider %s", ErrNoAPIKey, name)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		name:   name,
		client: sdk.NewClient(opts...),
		cfg:    cfg,
		logger: slog.With("component", "llm", "provider", name),
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	out := &Completion{
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Content += b.Text
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return out, nil
}

// Stream implements Provider. Claude streams tool calls as a tool_use block
// start (id and name) followed by partial-JSON argument deltas on the same
// block index; both are emitted as id-carrying deltas.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer func() { _ = stream.Close() }()

		// Maps stream block indexes to the tool call ids announced in their
		// start events.
		blocks := make(map[int64]*ToolCallDelta)
		var usage Usage

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				usage.PromptTokens = int(ev.Message.Usage.InputTokens)

			case sdk.ContentBlockStartEvent:
				if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					d := &ToolCallDelta{ID: toolUse.ID, Name: toolUse.Name}
					blocks[ev.Index] = d
					chunks <- Chunk{ToolCall: &ToolCallDelta{ID: d.ID, Name: d.Name}}
				}

			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text != "" {
						chunks <- Chunk{Content: delta.Text}
					}
				case sdk.InputJSONDelta:
					if d := blocks[ev.Index]; d != nil && delta.PartialJSON != "" {
						chunks <- Chunk{ToolCall: &ToolCallDelta{
							ID:        d.ID,
							Arguments: delta.PartialJSON,
						}}
					}
				}

			case sdk.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					chunks <- Chunk{FinishReason: string(ev.Delta.StopReason)}
				}
				usage.CompletionTokens = int(ev.Usage.OutputTokens)

			case sdk.MessageStopEvent:
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				chunks <- Chunk{Usage: &usage}
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: err, Done: true}
			return
		}
		chunks <- Chunk{Done: true}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if t := p.temperature(req); t > 0 {
		params.Temperature = sdk.Float(t)
	}

	for _, tool := range req.Tools {
		schema, err := anthropicInputSchema(tool.Parameters)
		if err != nil {
			return sdk.MessageNewParams{}, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func (p *AnthropicProvider) temperature(req *Request) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return p.cfg.Temperature
}

// convertAnthropicMessages maps the universal shape onto the Messages API:
// tool results become tool_result blocks in user messages, assistant tool
// calls become tool_use blocks. Non-text media has no URL block type here,
// so it is rendered as a readable placeholder.
func convertAnthropicMessages(msgs []models.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		var blocks []sdk.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			blocks = append(blocks, sdk.NewToolResultBlock(msg.ToolCallID, msg.PlainText(), false))

		default:
			if text := msg.PlainText(); text != "" {
				blocks = append(blocks, sdk.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal(normalizeArguments(tc.Arguments), &input); err != nil {
					return nil, fmt.Errorf("invalid arguments for tool call %s: %w", tc.ID, err)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func normalizeArguments(args string) []byte {
	if args == "" {
		return []byte("{}")
	}
	return []byte(args)
}

func anthropicInputSchema(schema json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

var _ Provider = (*AnthropicProvider)(nil)

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/models"
)

// OpenAIProvider serves OpenAI and OpenAI-compatible endpoints.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	cfg    *config.LLMProviderConfig
	logger *slog.Logger
}

// NewOpenAI creates a provider against the configured endpoint.
func NewOpenAI(name, apiKey string, cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: provider %s", ErrNoAPIKey, name)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: slog.With("component", "llm", "provider", name),
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai completion returned no choices")
	}

	choice := resp.Choices[0]
	out := &Completion{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream implements Provider. Tool calls arrive as index-keyed fragments;
// they are passed through as deltas for the accumulator to assemble.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("openai stream failed: %w", err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer func() { _ = stream.Close() }()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				chunks <- Chunk{Done: true}
				return
			}
			if err != nil {
				chunks <- Chunk{Err: err, Done: true}
				return
			}

			if resp.Usage != nil {
				chunks <- Chunk{Usage: &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				chunks <- Chunk{Content: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				chunks <- Chunk{ToolCall: &ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}}
			}
			if choice.FinishReason != "" {
				chunks <- Chunk{FinishReason: string(choice.FinishReason)}
			}
		}
	}()
	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       p.model(req),
		Messages:    convertOpenAIMessages(req),
		Temperature: float32(p.temperature(req)),
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if max := p.maxTokens(req); max > 0 {
		out.MaxTokens = max
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

func (p *OpenAIProvider) temperature(req *Request) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return p.cfg.Temperature
}

func (p *OpenAIProvider) maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return p.cfg.MaxTokens
}

// convertOpenAIMessages maps the universal message shape onto the OpenAI
// wire format: system prompt first, tool calls on assistant messages, tool
// results as role=tool messages, multimodal bodies via MultiContent.
func convertOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{Role: string(msg.Role)}

		if multimodal(msg.Content) {
			m.MultiContent = convertOpenAIParts(msg.Content)
		} else {
			m.Content = msg.PlainText()
		}

		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		if msg.Role == models.RoleTool {
			m.ToolCallID = msg.ToolCallID
			m.Name = msg.Name
		}
		out = append(out, m)
	}
	return out
}

func multimodal(parts []models.ContentPart) bool {
	for _, p := range parts {
		if p.Type != models.PartText {
			return true
		}
	}
	return false
}

func convertOpenAIParts(parts []models.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case models.PartText:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case models.PartImage:
			out = append(out, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: part.URL},
			})
		default:
			// Audio and documents have no URL part type in chat completions;
			// render a readable placeholder so the turn is not lost.
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[%s: %s]", part.Type, part.URL),
			})
		}
	}
	return out
}

var _ Provider = (*OpenAIProvider)(nil)

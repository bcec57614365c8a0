package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider is the baseline adapter. It serves two jobs: the
// no-tools baseline model output used for comparison testing, and the
// embedding capability the vector indexer needs.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	embedModel   string
}

// OpenAIConfig configures the adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	EmbedModel   string
}

// NewOpenAIProvider constructs the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: openai api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = string(openai.SmallEmbedding3)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		embedModel:   cfg.EmbedModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return true }

// Chat sends req and returns the complete response, with the same retry
// policy as the primary adapter.
func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	ccr := p.buildRequest(req)

	resp, err := retryChat(ctx, func() (openai.ChatCompletionResponse, error) {
		r, callErr := p.client.CreateChatCompletion(ctx, ccr)
		if callErr != nil {
			return openai.ChatCompletionResponse{}, p.wrapError(callErr, ccr.Model)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: openai chat: %w", err)
	}
	return p.convertResponse(&resp), nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	ccr := openai.ChatCompletionRequest{
		Model:     p.model(req.Model),
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		ccr.Messages = append(ccr.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			ccr.Messages = append(ccr.Messages, out)
		case "tool":
			for _, tr := range msg.ToolResults {
				ccr.Messages = append(ccr.Messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			}
			// Tool results on a user-role message happen when the caller
			// collapsed a tool turn; forward them as tool messages.
			ccr.Messages = append(ccr.Messages, out)
			for _, tr := range msg.ToolResults {
				ccr.Messages = append(ccr.Messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}
	for _, t := range req.Tools {
		ccr.Tools = append(ccr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Schema),
			},
		})
	}
	return ccr
}

func (p *OpenAIProvider) convertResponse(resp *openai.ChatCompletionResponse) *Response {
	out := &Response{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0].Message
	out.Text = choice.Content
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// Embed computes a text embedding with the configured embedding model.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := retryChat(ctx, func() (openai.EmbeddingResponse, error) {
		r, callErr := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(p.embedModel),
		})
		if callErr != nil {
			return openai.EmbeddingResponse{}, p.wrapError(callErr, p.embedModel)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llm: openai embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if apiErr, ok := err.(*openai.APIError); ok {
		return NewProviderError("openai", model, apiErr).WithStatus(apiErr.HTTPStatusCode)
	}
	return NewProviderError("openai", model, err)
}

package llm

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenRouterModel = "anthropic/claude-3.5-sonnet"
	openRouterBaseURL      = "https://openrouter.ai/api/v1"
)

// OpenAIProvider streams completions from the OpenAI chat API, or from any
// OpenAI-compatible endpoint (OpenRouter) via a custom base URL.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
}

// NewOpenAIProvider creates a provider against api.openai.com. A positive
// timeout bounds the wait for response headers.
func NewOpenAIProvider(apiKey string, timeout time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if timeout > 0 {
		cfg.HTTPClient = newHTTPClient(timeout)
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		name:         "openai",
		defaultModel: defaultOpenAIModel,
	}, nil
}

// NewOpenRouterProvider creates a provider against the OpenRouter
// OpenAI-compatible endpoint.
func NewOpenRouterProvider(apiKey string, timeout time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = openRouterBaseURL
	if timeout > 0 {
		cfg.HTTPClient = newHTTPClient(timeout)
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		name:         "openrouter",
		defaultModel: defaultOpenRouterModel,
	}, nil
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) chatRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stream:      stream,
	}
}

// Stream starts a streaming completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(req, true))
	if err != nil {
		return nil, classify(p.name, err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var outTokens int
		for {
			if ctx.Err() != nil {
				out <- Chunk{Kind: ChunkError, Err: classify(p.name, ctx.Err())}
				return
			}
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out <- Chunk{Kind: ChunkError, Err: classify(p.name, err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta != "" {
				outTokens++
				out <- Chunk{Kind: ChunkText, Text: delta}
			}
		}

		// OpenAI does not report usage on streamed responses; emit a rough
		// estimate so progress heuristics have something to work with.
		out <- Chunk{Kind: ChunkUsage, Usage: &Usage{OutputTokens: outTokens}}
		out <- Chunk{Kind: ChunkEnd}
	}()

	return out, nil
}

// Complete performs a non-streaming completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req, false))
	if err != nil {
		return nil, classify(p.name, err)
	}

	var content, stopReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		stopReason = string(resp.Choices[0].FinishReason)
	}

	return &Completion{
		Content: content,
		Model:   resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		StopReason: stopReason,
	}, nil
}

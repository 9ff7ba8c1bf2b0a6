package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider. A positive timeout
// bounds the wait for response headers; stream bodies are governed by the
// coordinator's own timers.
func NewAnthropicProvider(apiKey string, timeout time.Duration) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if timeout > 0 {
		opts = append(opts, option.WithHTTPClient(newHTTPClient(timeout)))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) params(req *Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				},
			}),
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(req.System),
		}})
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.F(req.Temperature)
	}
	return params
}

// Stream starts a streaming completion.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)

		usage := Usage{}
		for stream.Next() {
			if ctx.Err() != nil {
				out <- Chunk{Kind: ChunkError, Err: classify(p.Name(), ctx.Err())}
				return
			}
			ev := stream.Current()
			switch ev.Type {
			case anthropic.MessageStreamEventTypeMessageStart:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.MessageStreamEventTypeContentBlockDelta:
				if delta, ok := ev.Delta.(anthropic.ContentBlockDeltaEventDelta); ok && delta.Type == "text_delta" && delta.Text != "" {
					out <- Chunk{Kind: ChunkText, Text: delta.Text}
				}
			case anthropic.MessageStreamEventTypeMessageDelta:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			out <- Chunk{Kind: ChunkError, Err: classify(p.Name(), err)}
			return
		}
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			u := usage
			out <- Chunk{Kind: ChunkUsage, Usage: &u}
		}
		out <- Chunk{Kind: ChunkEnd}
	}()

	return out, nil
}

// Complete performs a non-streaming completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	resp, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, classify(p.Name(), err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content += block.Text
		}
	}

	return &Completion{
		Content: content,
		Model:   resp.Model,
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		StopReason: string(resp.StopReason),
	}, nil
}

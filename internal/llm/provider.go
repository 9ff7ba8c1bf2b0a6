// Package llm provides a uniform streaming interface over LLM providers.
//
// A provider stream is a finite channel of Chunks. It always terminates
// with exactly one ChunkEnd or ChunkError and is then closed; no chunks
// follow the terminal one. Cancellation is cooperative through the
// context: once it is done the adapter aborts the underlying HTTP stream
// and stops sending.
package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
)

// newHTTPClient builds the client the provider adapters share. The timeout
// applies to response headers only; a whole-request deadline would cut off
// long-lived streams, which the coordinator already bounds by its own
// stream and idle timers.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
		},
	}
}

// ChunkKind classifies a provider chunk.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text-delta"
	ChunkReasoning ChunkKind = "reasoning-delta"
	ChunkUsage     ChunkKind = "usage"
	ChunkEnd       ChunkKind = "end"
	ChunkError     ChunkKind = "error"
)

// Chunk is one unit of provider output.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Usage *Usage
	Err   error
}

// Usage is the token accounting a provider may report. Downstream
// components tolerate its absence.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Message is a chat turn in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request carries everything needed for one provider call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Content    string
	Model      string
	Usage      Usage
	StopReason string
}

// Provider is the uniform interface over LLM backends.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai", "openrouter").
	Name() string

	// Stream starts a streaming completion. The returned channel is finite
	// and terminates with exactly one ChunkEnd or ChunkError.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Complete performs a non-streaming completion. Idempotent callers may
	// wrap it with Retry.
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// Names of the supported providers, in validation order.
var Names = []string{"anthropic", "openai", "openrouter"}

// Known reports whether name is a supported provider.
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// classify maps a raw provider error onto the error taxonomy. 429s become
// provider-rate-limited with a retry-after when the provider reports one;
// network resets become transient and are eligible for retry.
func classify(provider string, err error) *apperr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindCancelled, "provider stream cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, "provider request timed out", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			e := apperr.Wrap(apperr.KindProviderRateLimited, "provider rate limited", err)
			e.Provider = provider
			e.RetryAfter = retryAfterSeconds(err)
			return e
		case apiErr.HTTPStatusCode >= 500:
			e := apperr.Wrap(apperr.KindTransientNetwork, "provider unavailable", err)
			e.Provider = provider
			return e
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		e := apperr.Wrap(apperr.KindTransientNetwork, "network error", err)
		e.Provider = provider
		return e
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		e := apperr.Wrap(apperr.KindProviderRateLimited, "provider rate limited", err)
		e.Provider = provider
		e.RetryAfter = retryAfterSeconds(err)
		return e
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		e := apperr.Wrap(apperr.KindTransientNetwork, "network error", err)
		e.Provider = provider
		return e
	}

	e := apperr.Wrap(apperr.KindProviderError, "provider error", err)
	e.Provider = provider
	return e
}

// retryAfterSeconds digs a retry-after hint out of an error message.
// Providers embed it inconsistently; absence yields zero.
func retryAfterSeconds(err error) int {
	msg := strings.ToLower(err.Error())
	idx := strings.Index(msg, "retry-after: ")
	if idx < 0 {
		idx = strings.Index(msg, "retry after ")
		if idx < 0 {
			return 0
		}
		idx += len("retry after ")
	} else {
		idx += len("retry-after: ")
	}
	n := 0
	for idx < len(msg) && msg[idx] >= '0' && msg[idx] <= '9' {
		n = n*10 + int(msg[idx]-'0')
		idx++
	}
	return n
}

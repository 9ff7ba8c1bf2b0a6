package llm

import (
	"context"
	"time"
)

// ScriptedProvider replays a fixed sequence of chunks. It exists for tests
// and for local development without provider credentials; it is selected
// only by explicit configuration and never in production.
type ScriptedProvider struct {
	// Script is the exact chunk sequence to replay. If it lacks a terminal
	// chunk, a ChunkEnd is appended.
	Script []Chunk
	// Delay between chunks; zero replays as fast as the consumer reads.
	Delay time.Duration
	// Fail, when set, aborts Stream before the first chunk.
	Fail error
}

// ScriptText builds a script that streams text in pieces then ends with usage.
func ScriptText(pieces ...string) []Chunk {
	chunks := make([]Chunk, 0, len(pieces)+2)
	for _, p := range pieces {
		chunks = append(chunks, Chunk{Kind: ChunkText, Text: p})
	}
	chunks = append(chunks,
		Chunk{Kind: ChunkUsage, Usage: &Usage{InputTokens: 10, OutputTokens: len(pieces)}},
		Chunk{Kind: ChunkEnd},
	)
	return chunks
}

// Name returns the provider name.
func (p *ScriptedProvider) Name() string { return "scripted" }

// Stream replays the script.
func (p *ScriptedProvider) Stream(ctx context.Context, _ *Request) (<-chan Chunk, error) {
	if p.Fail != nil {
		return nil, p.Fail
	}

	script := p.Script
	terminated := false
	for _, c := range script {
		if c.Kind == ChunkEnd || c.Kind == ChunkError {
			terminated = true
		}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, c := range script {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					out <- Chunk{Kind: ChunkError, Err: classify(p.Name(), ctx.Err())}
					return
				}
			}
			select {
			case out <- c:
				if c.Kind == ChunkEnd || c.Kind == ChunkError {
					return
				}
			case <-ctx.Done():
				out <- Chunk{Kind: ChunkError, Err: classify(p.Name(), ctx.Err())}
				return
			}
		}
		if !terminated {
			out <- Chunk{Kind: ChunkEnd}
		}
	}()
	return out, nil
}

// Complete concatenates the script's text chunks.
func (p *ScriptedProvider) Complete(_ context.Context, _ *Request) (*Completion, error) {
	if p.Fail != nil {
		return nil, p.Fail
	}
	var content string
	usage := Usage{}
	for _, c := range p.Script {
		switch c.Kind {
		case ChunkText:
			content += c.Text
		case ChunkUsage:
			if c.Usage != nil {
				usage = *c.Usage
			}
		case ChunkError:
			return nil, c.Err
		}
	}
	return &Completion{Content: content, Model: "scripted", Usage: usage}, nil
}

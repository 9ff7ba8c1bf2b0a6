// Package prompt assembles token-budgeted provider requests from session
// history and project state.
package prompt

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/promptforge-ai/codegen-platform/internal/llm"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
)

const (
	defaultMaxTokens = 16000
	defaultReserve   = 4096
)

// Builder turns session history into provider messages within a token
// budget. Counting uses cl100k_base when the tokenizer loads; otherwise
// a bytes/4 estimate, which overshoots slightly and is therefore safe.
type Builder struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewBuilder creates a builder for the given model's context window.
// Zero maxTokens or reserve select conservative defaults.
func NewBuilder(model string, maxTokens, reserve int) *Builder {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if reserve <= 0 {
		reserve = defaultReserve
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	}
	return &Builder{tokenizer: enc, maxTokens: maxTokens, reserve: reserve}
}

// NewEstimator creates a builder that skips the tokenizer and counts by
// byte length alone. Useful where loading encodings is not wanted.
func NewEstimator(maxTokens, reserve int) *Builder {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if reserve <= 0 {
		reserve = defaultReserve
	}
	return &Builder{maxTokens: maxTokens, reserve: reserve}
}

// CountTokens returns the token count for text.
func (b *Builder) CountTokens(text string) int {
	if b.tokenizer == nil {
		return len(text)/4 + 1
	}
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Build assembles a provider request for the given session and task. The
// most recent turns that fit the budget are kept; the current user text
// is always included even when older history must be dropped.
func (b *Builder) Build(sess *registry.Session, proj *registry.Project, userText string) *llm.Request {
	system := SystemPrompt(sess.Mode, sess.Quality, proj)
	budget := b.maxTokens - b.reserve - b.CountTokens(system)

	current := llm.Message{Role: llm.RoleUser, Content: userText}
	budget -= b.CountTokens(userText)

	// Walk history newest-first so trimming drops the oldest turns.
	var kept []llm.Message
	for i := len(sess.History) - 1; i >= 0; i-- {
		turn := sess.History[i]
		if turn.Role == registry.RoleSystem {
			continue
		}
		cost := b.CountTokens(turn.Content)
		if cost > budget {
			break
		}
		kept = append(kept, llm.Message{Role: string(turn.Role), Content: turn.Content})
		budget -= cost
	}

	messages := make([]llm.Message, 0, len(kept)+1)
	for i := len(kept) - 1; i >= 0; i-- {
		messages = append(messages, kept[i])
	}
	messages = append(messages, current)

	return &llm.Request{
		System:    system,
		Messages:  messages,
		MaxTokens: b.reserve,
	}
}

// SystemPrompt renders the mode- and quality-specific system prompt.
func SystemPrompt(mode registry.Mode, quality registry.Quality, proj *registry.Project) string {
	var sb strings.Builder

	switch mode {
	case registry.ModeAct:
		sb.WriteString(actPrompt)
	default:
		sb.WriteString(planPrompt)
	}

	switch quality {
	case registry.QualityBasic:
		sb.WriteString("\n\nKeep output minimal. Skip optional files and styling refinements.")
	case registry.QualityAdvanced:
		sb.WriteString("\n\nProduce production-grade output: complete error handling, accessible markup, and a stylesheet per component.")
	}

	if proj != nil {
		sb.WriteString("\n\nProject context:")
		if proj.Framework != "" {
			fmt.Fprintf(&sb, "\n- Framework: %s", proj.Framework)
		}
		if len(proj.Features) > 0 {
			fmt.Fprintf(&sb, "\n- Requested features: %s", strings.Join(proj.Features, ", "))
		}
		if paths := existingFiles(proj); len(paths) > 0 {
			fmt.Fprintf(&sb, "\n- Existing files: %s", strings.Join(paths, ", "))
			sb.WriteString("\nWhen editing, re-emit the full content of any file you change.")
		}
	}

	return sb.String()
}

func existingFiles(proj *registry.Project) []string {
	tracker := proj.Tracker()
	if tracker == nil {
		return nil
	}
	arts := tracker.List("")
	paths := make([]string, 0, len(arts))
	for _, a := range arts {
		paths = append(paths, a.Path)
	}
	return paths
}

const planPrompt = `You are a software planning assistant. The user describes an application; you respond with a concise implementation plan: the file tree, the responsibility of each file, and the order in which to build them. Do not write code in this mode. Answer in plain prose and lists.`

const actPrompt = `You are a code generation assistant. Emit every file as a fenced code block whose info string names the file, for example:

` + "```jsx path=src/App.js" + `
...file content...
` + "```" + `

Rules:
- One fenced block per file, complete content, no elisions.
- The path is workspace-relative and includes the extension.
- Narrative text between blocks is shown to the user; keep it short.
- Never nest fences inside a file block.`

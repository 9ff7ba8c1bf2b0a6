// Package parser converts raw provider output into ordered parsed events.
//
// The parser is incremental: it operates on a growing buffer, emits events
// as soon as they can be unambiguously decided, and never re-emits a byte
// range. Fenced regions whose info string names a path (```lang
// path=src/App.js) or whose first inner line is a comment path marker
// become file artifacts; other fences are decorative and stay on the text
// channel.
package parser

import (
	"fmt"
	"path"
	"strings"
)

// Kind classifies a parsed event.
type Kind string

const (
	EventText      Kind = "text"
	EventFileOpen  Kind = "file-open"
	EventFileChunk Kind = "file-chunk"
	EventFileClose Kind = "file-close"
	EventUsage     Kind = "usage"
	EventError     Kind = "error"
)

// Event is one parsed event. Start and End are the source byte range the
// event was decided from.
type Event struct {
	Kind    Kind
	Text    string // text payload or file-chunk slice
	Path    string // workspace-relative artifact path
	Lang    string
	Content string // full sanitized artifact content, set on file-close
	Err     error
	Start   int
	End     int
}

type state int

const (
	stateFree state = iota
	stateAwaitPath  // fence opened, path undecided until first inner line
	stateArtifact   // inside an artifact fence
	stateDecorative // inside a fence that stays on the text channel
)

// Parser is the incremental tokenizer for one stream. Not safe for
// concurrent use; each stream owns exactly one Parser.
type Parser struct {
	quality string

	st      state
	buf     string
	pos     int  // absolute offset of buf[0]
	midLine bool // a partial line was already emitted; fence cannot open until the next newline

	lang     string
	artPath  string
	openLine string // raw fence opener, replayed as text for decorative fences

	content strings.Builder // full content of the current artifact

	textAcc    strings.Builder
	textStart  int
	chunkAcc   strings.Builder
	chunkStart int

	events []Event
}

// New creates a Parser with the given quality level for close-time
// post-processing.
func New(quality string) *Parser {
	return &Parser{quality: quality}
}

// Feed appends a provider chunk and returns every event that became
// decidable.
func (p *Parser) Feed(chunk string) []Event {
	p.buf += chunk
	return p.drain(false)
}

// Close ends the stream. A still-open artifact fence yields an
// error(incomplete-fence) followed by a synthesized file-close so artifact
// state stays consistent.
func (p *Parser) Close() []Event {
	events := p.drain(true)

	switch p.st {
	case stateArtifact:
		events = append(events, Event{
			Kind:  EventError,
			Path:  p.artPath,
			Err:   fmt.Errorf("incomplete-fence: stream ended inside fence for %s", p.artPath),
			Start: p.pos,
			End:   p.pos,
		})
		events = append(events, p.closeArtifact())
	case stateAwaitPath:
		// The opener was held back waiting for a path that never came;
		// return it to the text channel.
		events = append(events, Event{
			Kind:  EventText,
			Text:  p.openLine,
			Start: p.pos - len(p.openLine),
			End:   p.pos,
		})
	case stateDecorative:
		// Already replayed as text line by line.
	}
	p.st = stateFree
	return events
}

func (p *Parser) drain(eof bool) []Event {
	p.events = p.events[:0]

	for {
		nl := strings.IndexByte(p.buf, '\n')
		if nl < 0 {
			break
		}
		line := p.buf[:nl+1]
		p.buf = p.buf[nl+1:]
		p.processLine(line, true)
		p.pos += len(line)
	}

	if eof && p.buf != "" {
		line := p.buf
		p.buf = ""
		p.processLine(line, false)
		p.pos += len(line)
	} else if !eof && p.buf != "" {
		p.emitPartial()
	}

	p.flushText()
	p.flushChunk()

	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// emitPartial releases the held-back tail of an incomplete line when it can
// no longer open or close a fence.
func (p *Parser) emitPartial() {
	if p.st == stateAwaitPath {
		return // first inner line decides artifact vs decorative; wait for it whole
	}
	// A fence marker can only start a line. Once the partial line's first
	// bytes are known not to be backticks, the rest of the line is plain.
	if !p.midLine && (p.buf == "" || maybeFence(p.buf)) {
		return
	}
	switch p.st {
	case stateFree, stateDecorative:
		p.addText(p.buf, p.pos)
	case stateArtifact:
		p.addChunk(p.buf, p.pos)
		p.content.WriteString(p.buf)
	}
	p.pos += len(p.buf)
	p.buf = ""
	p.midLine = true
}

// maybeFence reports whether s could still grow into a line starting with "```".
func maybeFence(s string) bool {
	marker := "```"
	if len(s) < 3 {
		return strings.HasPrefix(marker, s)
	}
	return strings.HasPrefix(s, marker)
}

func (p *Parser) processLine(line string, complete bool) {
	wasMid := p.midLine
	if complete {
		p.midLine = false
	}

	switch p.st {
	case stateFree:
		if !wasMid && isFenceLine(line) {
			p.openFence(line)
			return
		}
		p.addText(line, p.pos)

	case stateAwaitPath:
		if pth, ok := pathFromMarker(line); ok {
			if err := p.openArtifact(pth, line); err != nil {
				return
			}
			// The marker line names the file; it is not part of its content.
			return
		}
		if isCloseLine(line) {
			// Empty decorative fence.
			p.addText(p.openLine, p.pos)
			p.addText(line, p.pos)
			p.st = stateFree
			return
		}
		// No path anywhere: decorative fence, replay opener and this line.
		p.addText(p.openLine, p.pos)
		p.addText(line, p.pos)
		p.st = stateDecorative

	case stateArtifact:
		if !wasMid && isCloseLine(line) {
			p.events = append(p.events, p.closeArtifact())
			return
		}
		p.addChunk(line, p.pos)
		p.content.WriteString(line)

	case stateDecorative:
		if !wasMid && isCloseLine(line) {
			p.addText(line, p.pos)
			p.st = stateFree
			return
		}
		p.addText(line, p.pos)
	}
}

// openFence handles a "```..." opener in the free state.
func (p *Parser) openFence(line string) {
	info := strings.TrimSpace(strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "```"))
	p.openLine = line
	p.lang = ""
	p.artPath = ""

	fields := strings.Fields(info)
	if len(fields) > 0 {
		p.lang = fields[0]
		for _, f := range fields[1:] {
			if v, ok := strings.CutPrefix(f, "path="); ok {
				if err := p.openArtifact(v, line); err != nil {
					return
				}
				return
			}
		}
	}
	// Path may still arrive as a comment on the first inner line.
	p.st = stateAwaitPath
}

// openArtifact normalizes the path and emits file-open, or a parse error
// when the path escapes the workspace. Pending text is flushed first so
// events leave in source order.
func (p *Parser) openArtifact(raw, srcLine string) error {
	p.flushText()

	normalized, err := NormalizePath(raw)
	if err != nil {
		p.events = append(p.events, Event{
			Kind:  EventError,
			Err:   err,
			Start: p.pos,
			End:   p.pos + len(srcLine),
		})
		p.st = stateFree
		return err
	}
	p.artPath = normalized
	p.content.Reset()
	p.st = stateArtifact
	p.events = append(p.events, Event{
		Kind:  EventFileOpen,
		Path:  normalized,
		Lang:  p.lang,
		Start: p.pos,
		End:   p.pos + len(srcLine),
	})
	return nil
}

func (p *Parser) closeArtifact() Event {
	p.flushChunk()
	content := Sanitize(p.content.String())
	content = ApplyQuality(p.artPath, content, p.quality)
	ev := Event{
		Kind:    EventFileClose,
		Path:    p.artPath,
		Lang:    p.lang,
		Content: content,
		Start:   p.pos,
		End:     p.pos,
	}
	p.st = stateFree
	p.content.Reset()
	return ev
}

func (p *Parser) addText(s string, start int) {
	if s == "" {
		return
	}
	if p.textAcc.Len() == 0 {
		p.textStart = start
	}
	p.textAcc.WriteString(s)
}

func (p *Parser) flushText() {
	if p.textAcc.Len() == 0 {
		return
	}
	text := p.textAcc.String()
	p.events = append(p.events, Event{
		Kind:  EventText,
		Text:  text,
		Start: p.textStart,
		End:   p.textStart + len(text),
	})
	p.textAcc.Reset()
}

func (p *Parser) addChunk(s string, start int) {
	if s == "" {
		return
	}
	if p.chunkAcc.Len() == 0 {
		p.chunkStart = start
	}
	p.chunkAcc.WriteString(s)
}

func (p *Parser) flushChunk() {
	if p.chunkAcc.Len() == 0 {
		return
	}
	slice := p.chunkAcc.String()
	p.events = append(p.events, Event{
		Kind:  EventFileChunk,
		Path:  p.artPath,
		Text:  slice,
		Start: p.chunkStart,
		End:   p.chunkStart + len(slice),
	})
	p.chunkAcc.Reset()
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(line, "```")
}

func isCloseLine(line string) bool {
	return strings.TrimRight(line, " \t\r\n") == "```"
}

// pathFromMarker extracts a workspace path from a comment marker line such
// as "// src/App.js", "# path: styles/main.css", or "<!-- index.html -->".
func pathFromMarker(line string) (string, bool) {
	s := strings.TrimSpace(strings.TrimRight(line, "\r\n"))

	switch {
	case strings.HasPrefix(s, "//"):
		s = strings.TrimSpace(s[2:])
	case strings.HasPrefix(s, "/*") && strings.HasSuffix(s, "*/"):
		s = strings.TrimSpace(s[2 : len(s)-2])
	case strings.HasPrefix(s, "<!--") && strings.HasSuffix(s, "-->"):
		s = strings.TrimSpace(s[4 : len(s)-3])
	case strings.HasPrefix(s, "#") && !strings.HasPrefix(s, "#!"):
		s = strings.TrimSpace(s[1:])
	default:
		return "", false
	}

	for _, prefix := range []string{"path:", "file:", "filename:"} {
		if v, ok := strings.CutPrefix(strings.ToLower(s), prefix); ok {
			s = strings.TrimSpace(s[len(s)-len(v):])
			break
		}
	}

	if s == "" || strings.ContainsAny(s, " \t") {
		return "", false
	}
	// Require an extension so prose comments don't read as filenames.
	base := path.Base(s)
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return "", false
	}
	return s, true
}

// NormalizePath canonicalizes a path to workspace-relative form. Absolute
// paths are re-rooted; traversal outside the workspace is rejected.
func NormalizePath(raw string) (string, error) {
	cleaned := path.Clean(strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/")))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("parse error: empty artifact path")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("parse error: path %q escapes the workspace", raw)
	}
	return cleaned, nil
}

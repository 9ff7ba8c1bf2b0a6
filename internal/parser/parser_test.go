package parser

import (
	"strings"
	"testing"
)

func feedAll(p *Parser, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed(c)...)
	}
	events = append(events, p.Close()...)
	return events
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestPlainTextStaysText(t *testing.T) {
	p := New("standard")
	events := feedAll(p, "I will create a counter page.\nFirst the layout.\n")

	if len(events) == 0 {
		t.Fatal("expected events")
	}
	for _, e := range events {
		if e.Kind != EventText {
			t.Errorf("unexpected kind %s", e.Kind)
		}
	}
}

func TestFenceWithPathInfoString(t *testing.T) {
	p := New("standard")
	events := feedAll(p, "Creating the app.\n```js path=src/App.js\nconst a = 1;\nconst b = 2;\n```\nDone.\n")

	var open, close_ *Event
	var chunkText strings.Builder
	for i := range events {
		switch events[i].Kind {
		case EventFileOpen:
			open = &events[i]
		case EventFileChunk:
			chunkText.WriteString(events[i].Text)
		case EventFileClose:
			close_ = &events[i]
		}
	}

	if open == nil || open.Path != "src/App.js" {
		t.Fatalf("expected file-open for src/App.js, got %+v", open)
	}
	if open.Lang != "js" {
		t.Errorf("expected lang js, got %q", open.Lang)
	}
	if close_ == nil {
		t.Fatal("expected file-close")
	}
	if close_.Content != "const a = 1;\nconst b = 2;\n" {
		t.Errorf("unexpected content %q", close_.Content)
	}
	if !strings.Contains(chunkText.String(), "const a = 1;") {
		t.Errorf("chunks missing content: %q", chunkText.String())
	}
}

func TestFenceWithCommentMarker(t *testing.T) {
	p := New("standard")
	events := feedAll(p, "```js\n// src/index.js\nconsole.log('hi');\n```\n")

	var open *Event
	for i := range events {
		if events[i].Kind == EventFileOpen {
			open = &events[i]
		}
	}
	if open == nil || open.Path != "src/index.js" {
		t.Fatalf("expected file-open src/index.js, got %+v", open)
	}

	for _, e := range events {
		if e.Kind == EventFileClose && strings.Contains(e.Content, "src/index.js") {
			t.Error("marker line must not leak into content")
		}
	}
}

func TestDecorativeFenceIsText(t *testing.T) {
	p := New("standard")
	events := feedAll(p, "Example usage:\n```bash\nnpm install\n```\n")

	for _, e := range events {
		if e.Kind != EventText {
			t.Fatalf("decorative fence produced %s", e.Kind)
		}
	}
	var all strings.Builder
	for _, e := range events {
		all.WriteString(e.Text)
	}
	if !strings.Contains(all.String(), "npm install") {
		t.Errorf("fence body missing from text: %q", all.String())
	}
}

// file-chunk events for a path lie strictly between its open and close.
func TestChunkOrderingInvariant(t *testing.T) {
	p := New("standard")
	input := "intro\n```js path=a.js\nline1\nline2\n```\nmiddle\n```css path=b.css\nbody {}\n```\n"
	var events []Event
	// Feed byte by byte to exercise every split point.
	for i := 0; i < len(input); i++ {
		events = append(events, p.Feed(input[i:i+1])...)
	}
	events = append(events, p.Close()...)

	openPath := ""
	for _, e := range events {
		switch e.Kind {
		case EventFileOpen:
			if openPath != "" {
				t.Fatal("nested open")
			}
			openPath = e.Path
		case EventFileChunk:
			if e.Path != openPath {
				t.Fatalf("chunk for %q outside open fence %q", e.Path, openPath)
			}
		case EventFileClose:
			if e.Path != openPath {
				t.Fatalf("close for %q but open was %q", e.Path, openPath)
			}
			openPath = ""
		}
	}
	if openPath != "" {
		t.Error("fence left open")
	}
}

func TestSplitFenceMarkerAcrossChunks(t *testing.T) {
	p := New("standard")
	var events []Event
	events = append(events, p.Feed("``")...)
	events = append(events, p.Feed("`js path=x.js\nvar x;\n`")...)
	events = append(events, p.Feed("``\n")...)
	events = append(events, p.Close()...)

	got := kinds(events)
	want := map[Kind]bool{}
	for _, k := range got {
		want[k] = true
	}
	if !want[EventFileOpen] || !want[EventFileClose] {
		t.Fatalf("split marker broke fence detection: %v", got)
	}
	for _, e := range events {
		if e.Kind == EventFileClose && e.Content != "var x;\n" {
			t.Errorf("unexpected content %q", e.Content)
		}
	}
}

func TestIncompleteFence(t *testing.T) {
	p := New("standard")
	var events []Event
	events = append(events, p.Feed("```js path=src/App.js\nconst a = 1;\n")...)
	events = append(events, p.Close()...)

	var sawError, sawClose bool
	for _, e := range events {
		if e.Kind == EventError && strings.Contains(e.Err.Error(), "incomplete-fence") {
			sawError = true
		}
		if e.Kind == EventFileClose && e.Path == "src/App.js" {
			sawClose = true
		}
	}
	if !sawError {
		t.Error("expected incomplete-fence error")
	}
	if !sawClose {
		t.Error("expected synthesized file-close")
	}
}

func TestTraversalRejected(t *testing.T) {
	p := New("standard")
	events := feedAll(p, "```js path=../../etc/passwd\nboom\n```\n")

	var sawError bool
	for _, e := range events {
		if e.Kind == EventError {
			sawError = true
		}
		if e.Kind == EventFileOpen {
			t.Errorf("traversal path opened: %s", e.Path)
		}
	}
	if !sawError {
		t.Error("expected parse error for traversal")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"src/App.js", "src/App.js", false},
		{"/src/App.js", "src/App.js", false},
		{"./src/./App.js", "src/App.js", false},
		{"src\\App.js", "src/App.js", false},
		{"a/b/../c.js", "a/c.js", false},
		{"../escape.js", "", true},
		{"a/../../escape.js", "", true},
		{"", "", true},
		{".", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePath(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("%q: error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNoByteRangeReemitted(t *testing.T) {
	p := New("standard")
	input := "hello\n```js path=a.js\nbody\n```\ntail\n"
	var events []Event
	for i := 0; i < len(input); i += 3 {
		end := i + 3
		if end > len(input) {
			end = len(input)
		}
		events = append(events, p.Feed(input[i:end])...)
	}
	events = append(events, p.Close()...)

	lastEnd := 0
	for _, e := range events {
		if e.Kind == EventText || e.Kind == EventFileChunk {
			if e.Start < lastEnd {
				t.Fatalf("byte range re-emitted: start %d before previous end %d", e.Start, lastEnd)
			}
			lastEnd = e.End
		}
	}
}

func TestEventsFollowSourceOrder(t *testing.T) {
	p := New("standard")
	events := feedAll(p, "intro prose\n```js path=a.js\nbody\n```\n")

	got := kinds(events)
	want := []Kind{EventText, EventFileOpen, EventFileChunk, EventFileClose}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}

	// Emission order must match source order even when the whole output
	// arrives in a single chunk.
	lastStart := -1
	for _, e := range events {
		if e.Start < lastStart {
			t.Fatalf("event %s at start %d emitted after start %d", e.Kind, e.Start, lastStart)
		}
		lastStart = e.Start
	}
	if events[0].Text != "intro prose\n" {
		t.Fatalf("leading text = %q", events[0].Text)
	}
}

func TestUnresolvedOpenerReturnsToText(t *testing.T) {
	p := New("standard")
	events := append(p.Feed("some text\n```js\n"), p.Close()...)

	var text strings.Builder
	for _, e := range events {
		if e.Kind != EventText {
			t.Fatalf("unexpected kind %s", e.Kind)
		}
		text.WriteString(e.Text)
	}
	if got := text.String(); got != "some text\n```js\n" {
		t.Fatalf("text = %q, want the opener line preserved", got)
	}
}

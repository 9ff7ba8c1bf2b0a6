package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// Sanitize cleans a whole artifact after its closing fence. It never runs
// on individual chunks, so streamed output stays faithful to the provider.
func Sanitize(content string) string {
	lines := strings.Split(content, "\n")

	// Drop leading explanatory prose the model sometimes emits before the
	// code proper ("Here is the file:", "This component renders...").
	start := 0
	for start < len(lines) {
		trimmed := strings.TrimSpace(lines[start])
		if trimmed == "" || isProse(trimmed) {
			start++
			continue
		}
		break
	}
	lines = lines[start:]

	// A stray nested fence pair wrapping the entire artifact is markdown
	// residue, not code.
	if len(lines) >= 2 && strings.HasPrefix(lines[0], "```") {
		last := len(lines) - 1
		for last > 0 && strings.TrimSpace(lines[last]) == "" {
			last--
		}
		if strings.TrimSpace(lines[last]) == "```" {
			lines = lines[1:last]
		}
	}

	out := strings.Join(lines, "\n")
	out = strings.TrimRight(out, "\n")
	if out != "" {
		out += "\n"
	}
	return out
}

var proseRe = regexp.MustCompile(`(?i)^(here('s| is)|this (file|component|module)|below is|the following|sure[,!]|certainly)`)

func isProse(line string) bool {
	return proseRe.MatchString(line) && !strings.ContainsAny(line, "{};=<>")
}

// ApplyQuality applies quality-level post-processing once at file-close.
// Basic quality leaves artifacts untouched.
func ApplyQuality(pth, content, quality string) string {
	if quality == "basic" || content == "" {
		return content
	}
	switch {
	case strings.HasSuffix(pth, ".css") || strings.HasSuffix(pth, ".scss"):
		return ensureStylesheetHeader(pth, content)
	case strings.HasSuffix(pth, ".jsx") || strings.HasSuffix(pth, ".tsx"):
		return ensureComponentExport(content)
	}
	return content
}

// ensureStylesheetHeader guarantees the minimum header comment stylesheet
// artifacts carry at standard quality and above.
func ensureStylesheetHeader(pth, content string) string {
	if strings.HasPrefix(strings.TrimSpace(content), "/*") {
		return content
	}
	return fmt.Sprintf("/* %s */\n\n%s", pth, content)
}

var componentDeclRe = regexp.MustCompile(`(?m)^(?:function|class|const)\s+([A-Z][A-Za-z0-9_]*)`)

// ensureComponentExport completes a component artifact that declares a
// component but never exports it.
func ensureComponentExport(content string) string {
	if strings.Contains(content, "export default") || strings.Contains(content, "module.exports") {
		return content
	}
	m := componentDeclRe.FindStringSubmatch(content)
	if m == nil {
		return content
	}
	return strings.TrimRight(content, "\n") + "\n\nexport default " + m[1] + ";\n"
}

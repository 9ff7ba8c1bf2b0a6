package workspace

import (
	"path"
	"regexp"
	"strings"
)

// Import extraction is regex-based. It is a scanner, not a type checker,
// and correctness elsewhere does not depend on its completeness.
var (
	importFromRe = regexp.MustCompile(`(?m)import\s+(?:[\w${},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	requireRe    = regexp.MustCompile(`(?m)require\(\s*['"]([^'"]+)['"]\s*\)`)
	dynImportRe  = regexp.MustCompile(`(?m)import\(\s*['"]([^'"]+)['"]\s*\)`)
	cssImportRe  = regexp.MustCompile(`(?m)@import\s+(?:url\()?['"]([^'"]+)['"]`)

	exportNamedRe   = regexp.MustCompile(`(?m)^export\s+(?:default\s+)?(?:async\s+)?(?:function|class|const|let|var)\s+([A-Za-z_$][\w$]*)`)
	exportDefaultRe = regexp.MustCompile(`(?m)^export\s+default\s+([A-Za-z_$][\w$]*)\s*;?\s*$`)
	topLevelDeclRe  = regexp.MustCompile(`(?m)^(?:async\s+)?(?:function|class)\s+([A-Za-z_$][\w$]*)`)
)

// analyze recomputes kind, imports, and exports for a. Caller holds the
// write lock.
func (t *Tracker) analyze(a *Artifact) {
	a.Kind = inferKind(a.Path)
	a.Imports = a.Imports[:0]
	a.LocalImports = a.LocalImports[:0]
	a.Exports = a.Exports[:0]

	specs := extractImportSpecs(a.Path, a.Content)
	seenPkg := make(map[string]bool)
	seenLocal := make(map[string]bool)
	for _, spec := range specs {
		if strings.HasPrefix(spec, ".") {
			resolved := resolveLocal(a.Path, spec)
			if resolved != "" && !seenLocal[resolved] {
				seenLocal[resolved] = true
				a.LocalImports = append(a.LocalImports, resolved)
			}
			continue
		}
		pkg := packageName(spec)
		if pkg != "" && !seenPkg[pkg] {
			seenPkg[pkg] = true
			a.Imports = append(a.Imports, pkg)
		}
	}

	a.Exports = extractExports(a.Kind, a.Content)
}

func inferKind(pth string) Kind {
	ext := strings.ToLower(path.Ext(pth))
	switch ext {
	case ".js", ".mjs", ".cjs":
		return KindScript
	case ".ts", ".mts":
		return KindTypedScript
	case ".jsx", ".tsx", ".vue", ".svelte":
		return KindComponent
	case ".css", ".scss", ".sass", ".less":
		return KindStylesheet
	case ".html", ".htm", ".xml", ".svg":
		return KindMarkup
	case ".json", ".csv", ".yaml", ".yml", ".toml":
		if isConfigName(pth) {
			return KindConfig
		}
		return KindData
	case ".md", ".mdx", ".txt", ".rst":
		return KindDoc
	case ".env", ".ini", ".conf":
		return KindConfig
	default:
		if isConfigName(pth) {
			return KindConfig
		}
		return KindOther
	}
}

func isConfigName(pth string) bool {
	base := strings.ToLower(path.Base(pth))
	switch base {
	case "package.json", "tsconfig.json", "vite.config.js", "vite.config.ts",
		"webpack.config.js", "babel.config.js", ".babelrc", ".eslintrc",
		".eslintrc.json", "tailwind.config.js", "postcss.config.js",
		"docker-compose.yaml", "docker-compose.yml":
		return true
	}
	return strings.HasPrefix(base, ".") || strings.Contains(base, ".config.")
}

func extractImportSpecs(pth, content string) []string {
	var res []*regexp.Regexp
	switch inferKind(pth) {
	case KindStylesheet:
		res = []*regexp.Regexp{cssImportRe}
	case KindScript, KindTypedScript, KindComponent:
		res = []*regexp.Regexp{importFromRe, requireRe, dynImportRe}
	default:
		return nil
	}

	var specs []string
	for _, re := range res {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			specs = append(specs, m[1])
		}
	}
	return specs
}

// packageName reduces an import specifier to its package: "react-dom/client"
// becomes "react-dom", "@mui/material/Button" becomes "@mui/material".
func packageName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	return parts[0]
}

// resolveLocal resolves a relative specifier against the importer's
// directory to a workspace-relative path. Extension-less specifiers try the
// common source extensions.
func resolveLocal(importer, spec string) string {
	resolved := path.Join(path.Dir(importer), spec)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return ""
	}
	if path.Ext(resolved) == "" {
		resolved += guessExtension(importer)
	}
	return resolved
}

// guessExtension picks the likely extension for an extension-less local
// import based on the importer's own extension.
func guessExtension(importer string) string {
	switch strings.ToLower(path.Ext(importer)) {
	case ".ts", ".mts":
		return ".ts"
	case ".tsx":
		return ".tsx"
	case ".jsx":
		return ".jsx"
	default:
		return ".js"
	}
}

func extractExports(kind Kind, content string) []string {
	switch kind {
	case KindScript, KindTypedScript, KindComponent:
	default:
		return nil
	}

	seen := make(map[string]bool)
	var exports []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			exports = append(exports, name)
		}
	}

	for _, m := range exportNamedRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range exportDefaultRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range topLevelDeclRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	return exports
}

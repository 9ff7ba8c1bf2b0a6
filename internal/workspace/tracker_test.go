package workspace

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPutAndRevisions(t *testing.T) {
	tr := NewTracker("")

	a, err := tr.Put("src/App.js", "const a = 1;\n", true)
	if err != nil {
		t.Fatal(err)
	}
	if a.Revision != 1 {
		t.Errorf("expected revision 1, got %d", a.Revision)
	}
	if a.Kind != KindScript {
		t.Errorf("expected script, got %s", a.Kind)
	}

	a, err = tr.Put("src/App.js", "const a = 2;\n", true)
	if err != nil {
		t.Fatal(err)
	}
	if a.Revision != 2 {
		t.Errorf("expected revision 2 on rewrite, got %d", a.Revision)
	}

	if _, err := tr.Update("missing.js", "x"); err == nil {
		t.Error("update of unknown path should fail")
	}
}

func TestKindInference(t *testing.T) {
	cases := map[string]Kind{
		"src/App.jsx":       KindComponent,
		"src/App.tsx":       KindComponent,
		"src/util.ts":       KindTypedScript,
		"src/index.js":      KindScript,
		"styles/main.css":   KindStylesheet,
		"index.html":        KindMarkup,
		"data/items.json":   KindData,
		"package.json":      KindConfig,
		"README.md":         KindDoc,
		"vite.config.js":    KindConfig,
		"assets/logo.png":   KindOther,
	}
	for pth, want := range cases {
		if got := inferKind(pth); got != want {
			t.Errorf("%s: expected %s, got %s", pth, want, got)
		}
	}
}

func TestImportExtraction(t *testing.T) {
	tr := NewTracker("")

	content := `import React from 'react';
import { render } from 'react-dom/client';
import Button from '@mui/material/Button';
import helper from './helper';
const fs = require('lodash');
`
	a, err := tr.Put("src/App.js", content, true)
	if err != nil {
		t.Fatal(err)
	}

	wantPkgs := []string{"react", "react-dom", "@mui/material", "lodash"}
	if !reflect.DeepEqual(a.Imports, wantPkgs) {
		t.Errorf("imports = %v, want %v", a.Imports, wantPkgs)
	}
	wantLocal := []string{"src/helper.js"}
	if !reflect.DeepEqual(a.LocalImports, wantLocal) {
		t.Errorf("local imports = %v, want %v", a.LocalImports, wantLocal)
	}
}

// used-by sets are the exact inverse of local-import sets.
func TestReverseIndexInvariant(t *testing.T) {
	tr := NewTracker("")

	tr.Put("src/B.js", "export const x = 1;\n", true)
	tr.Put("src/A.js", "import { x } from './B.js';\n", true)

	b, ok := tr.Get("src/B.js")
	if !ok {
		t.Fatal("B missing")
	}
	if !reflect.DeepEqual(b.UsedBy, []string{"src/A.js"}) {
		t.Errorf("B used-by = %v, want [src/A.js]", b.UsedBy)
	}

	a, _ := tr.Get("src/A.js")
	if !reflect.DeepEqual(a.LocalImports, []string{"src/B.js"}) {
		t.Errorf("A local imports = %v", a.LocalImports)
	}
	if a.Revision != 1 || b.Revision != 1 {
		t.Errorf("expected revision 1 for both, got %d and %d", a.Revision, b.Revision)
	}

	// Rewriting A without the import clears B's used-by.
	tr.Put("src/A.js", "const standalone = true;\n", true)
	b, _ = tr.Get("src/B.js")
	if len(b.UsedBy) != 0 {
		t.Errorf("B used-by should be empty after rewrite, got %v", b.UsedBy)
	}
}

func TestRemoveUnlinks(t *testing.T) {
	tr := NewTracker("")
	tr.Put("src/B.js", "export const x = 1;\n", true)
	tr.Put("src/A.js", "import { x } from './B.js';\n", true)

	if !tr.Remove("src/A.js") {
		t.Fatal("remove failed")
	}
	b, _ := tr.Get("src/B.js")
	if len(b.UsedBy) != 0 {
		t.Errorf("removing the importer must clear used-by, got %v", b.UsedBy)
	}
	if tr.Remove("src/A.js") {
		t.Error("second remove should report false")
	}
}

func TestExports(t *testing.T) {
	tr := NewTracker("")
	a, _ := tr.Put("src/Counter.jsx", `export default function Counter() {
  return null;
}
export const useCount = () => 0;
`, true)

	want := []string{"Counter", "useCount"}
	if !reflect.DeepEqual(a.Exports, want) {
		t.Errorf("exports = %v, want %v", a.Exports, want)
	}
}

func TestListAndStats(t *testing.T) {
	tr := NewTracker("")
	tr.Put("src/A.js", "import React from 'react';\n", true)
	tr.Put("src/B.js", "import React from 'react';\n", true)
	tr.Put("styles/main.css", "body {}\n", true)

	if got := len(tr.List("src/")); got != 2 {
		t.Errorf("expected 2 under src/, got %d", got)
	}
	if got := len(tr.List("")); got != 3 {
		t.Errorf("expected 3 total, got %d", got)
	}

	s := tr.Stats()
	if s.Files != 3 {
		t.Errorf("stats files = %d", s.Files)
	}
	if !reflect.DeepEqual(s.Dependencies, []string{"react"}) {
		t.Errorf("dependencies = %v", s.Dependencies)
	}
	if s.ByKind[KindStylesheet] != 1 {
		t.Errorf("kind counts = %v", s.ByKind)
	}
}

func TestMirrorWritesFiles(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir)

	if _, err := tr.Put("src/App.js", "const a = 1;\n", true); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "src", "App.js"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "const a = 1;\n" {
		t.Errorf("mirrored content %q", data)
	}
}

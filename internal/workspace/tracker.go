// Package workspace is the in-memory model of a project workspace:
// per-path artifact content, revisions, inferred kinds, and the import
// graph between artifacts.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind is the inferred artifact kind.
type Kind string

const (
	KindScript      Kind = "script"
	KindTypedScript Kind = "typed-script"
	KindComponent   Kind = "component"
	KindStylesheet  Kind = "stylesheet"
	KindMarkup      Kind = "markup"
	KindData        Kind = "data"
	KindDoc         Kind = "doc"
	KindConfig      Kind = "config"
	KindOther       Kind = "other"
)

// Artifact is one tracked file. Content is never nil once stored.
type Artifact struct {
	Path           string    `json:"path"`
	Content        string    `json:"content"`
	Revision       int       `json:"revision"`
	Kind           Kind      `json:"kind"`
	Imports        []string  `json:"imports"`      // non-relative package identifiers
	LocalImports   []string  `json:"localImports"` // resolved workspace-relative paths
	Exports        []string  `json:"exports"`
	UsedBy         []string  `json:"usedBy"`
	CreatedByAgent bool      `json:"createdByAgent"`
	LastModified   time.Time `json:"lastModified"`
}

// Stats summarizes a tracker.
type Stats struct {
	Files        int            `json:"files"`
	TotalBytes   int            `json:"totalBytes"`
	ByKind       map[Kind]int   `json:"byKind"`
	Dependencies []string       `json:"dependencies"` // union of non-relative imports
}

// Tracker holds a project's artifacts. The project's active stream is the
// only mutator; readers get consistent snapshots per call.
type Tracker struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
	usedBy    map[string]map[string]bool // target path -> set of importer paths

	// mirrorDir, when set, receives committed artifact contents on disk.
	mirrorDir string
}

// NewTracker creates an empty tracker. mirrorDir may be empty to keep the
// workspace purely in memory.
func NewTracker(mirrorDir string) *Tracker {
	return &Tracker{
		artifacts: make(map[string]*Artifact),
		usedBy:    make(map[string]map[string]bool),
		mirrorDir: mirrorDir,
	}
}

// Put stores an artifact. A new path gets revision 1; an existing path is a
// revision bump, identical to Update.
func (t *Tracker) Put(pth, content string, byAgent bool) (*Artifact, error) {
	if pth == "" {
		return nil, fmt.Errorf("artifact path is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, exists := t.artifacts[pth]
	if !exists {
		a = &Artifact{Path: pth, Revision: 0, CreatedByAgent: byAgent}
		t.artifacts[pth] = a
	}

	t.unlink(a)

	a.Content = content
	a.Revision++
	a.LastModified = time.Now().UTC()
	t.analyze(a)
	t.link(a)

	if t.mirrorDir != "" {
		if err := t.mirror(a); err != nil {
			return nil, err
		}
	}

	snap := t.snapshot(a)
	return &snap, nil
}

// Update is Put for an existing path; it fails when the path is unknown.
func (t *Tracker) Update(pth, content string) (*Artifact, error) {
	t.mu.RLock()
	_, exists := t.artifacts[pth]
	t.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("artifact not found: %s", pth)
	}
	return t.Put(pth, content, true)
}

// Get returns a snapshot of the artifact at pth.
func (t *Tracker) Get(pth string) (*Artifact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.artifacts[pth]
	if !ok {
		return nil, false
	}
	snap := t.snapshot(a)
	return &snap, true
}

// List returns snapshots of every artifact whose path has the given prefix,
// sorted by path. An empty prefix lists everything.
func (t *Tracker) List(prefix string) []Artifact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Artifact
	for pth, a := range t.artifacts {
		if prefix == "" || strings.HasPrefix(pth, prefix) {
			out = append(out, t.snapshot(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Remove deletes an artifact and unlinks it from every used-by set.
func (t *Tracker) Remove(pth string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.artifacts[pth]
	if !ok {
		return false
	}
	t.unlink(a)
	delete(t.artifacts, pth)
	delete(t.usedBy, pth)
	return true
}

// Stats summarizes the tracker.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{ByKind: make(map[Kind]int)}
	deps := make(map[string]bool)
	for _, a := range t.artifacts {
		s.Files++
		s.TotalBytes += len(a.Content)
		s.ByKind[a.Kind]++
		for _, imp := range a.Imports {
			deps[imp] = true
		}
	}
	for d := range deps {
		s.Dependencies = append(s.Dependencies, d)
	}
	sort.Strings(s.Dependencies)
	return s
}

// snapshot copies an artifact including its current used-by set. Caller
// holds at least a read lock.
func (t *Tracker) snapshot(a *Artifact) Artifact {
	snap := *a
	snap.Imports = append([]string(nil), a.Imports...)
	snap.LocalImports = append([]string(nil), a.LocalImports...)
	snap.Exports = append([]string(nil), a.Exports...)

	var users []string
	for user := range t.usedBy[a.Path] {
		users = append(users, user)
	}
	sort.Strings(users)
	snap.UsedBy = users
	return snap
}

// link records a.Path in the used-by set of every local import target.
// Caller holds the write lock.
func (t *Tracker) link(a *Artifact) {
	for _, target := range a.LocalImports {
		if t.usedBy[target] == nil {
			t.usedBy[target] = make(map[string]bool)
		}
		t.usedBy[target][a.Path] = true
	}
}

// unlink removes a.Path from every used-by set it appears in. Caller holds
// the write lock.
func (t *Tracker) unlink(a *Artifact) {
	for _, target := range a.LocalImports {
		if set := t.usedBy[target]; set != nil {
			delete(set, a.Path)
			if len(set) == 0 {
				delete(t.usedBy, target)
			}
		}
	}
}

// mirror writes the artifact under mirrorDir atomically. Caller holds the
// write lock.
func (t *Tracker) mirror(a *Artifact) error {
	target := filepath.Join(t.mirrorDir, filepath.FromSlash(a.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(a.Content), 0o644); err != nil {
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp artifact: %w", err)
	}
	return nil
}

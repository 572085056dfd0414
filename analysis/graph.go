package analysis

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/vitest-dev/vscode-sub001/filesystem"
)

// Graph is the import graph of a workspace. It answers which test files are
// affected when a source file changes.
type Graph struct {
	// Forward: file -> files it imports
	Forward map[string][]string
	// Reverse: file -> files importing it
	Reverse map[string][]string
	// PendingImports: extensionless import target -> importers, for imports
	// whose target does not exist yet
	PendingImports map[string][]string

	parser *Parser
	mu     sync.RWMutex
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Forward:        make(map[string][]string),
		Reverse:        make(map[string][]string),
		PendingImports: make(map[string][]string),
		parser:         NewParser(),
	}
}

// Build walks root, honoring ignore files, and parses every source file.
func (g *Graph) Build(root string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for f := range filesystem.StreamFiles(root) {
		if filesystem.IsSourceFile(f.Filename) {
			g.processFile(f.Location)
		}
	}
	return nil
}

// Update re-parses path after it changed or was created. Imports that were
// waiting for path to exist are linked to it.
func (g *Graph) Update(path string) {
	if !filesystem.IsSourceFile(filepath.Base(path)) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.unlink(path)
	g.processFile(path)
	g.resolvePending(path)
}

// Remove drops a deleted file. Its importers wait for it to reappear.
func (g *Graph) Remove(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unlink(path)
	delete(g.Forward, path)

	target := importTarget(path)
	for _, importer := range g.Reverse[path] {
		g.Forward[importer] = without(g.Forward[importer], path)
		g.PendingImports[target] = appendUnique(g.PendingImports[target], importer)
	}
	delete(g.Reverse, path)
}

// GetDependents returns every file that imports path, directly or through
// other files.
func (g *Graph) GetDependents(path string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{path: true}
	var dependents []string

	queue := []string{path}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dep := range g.Reverse[current] {
			if !visited[dep] {
				visited[dep] = true
				dependents = append(dependents, dep)
				queue = append(queue, dep)
			}
		}
	}
	return dependents
}

func (g *Graph) processFile(path string) {
	result, err := g.parser.ParseImports(path)
	if err != nil {
		// unreadable files have no edges
		return
	}

	g.Forward[path] = result.Resolved
	for _, imp := range result.Resolved {
		g.Reverse[imp] = appendUnique(g.Reverse[imp], path)
	}
	for _, unresolved := range result.Unresolved {
		g.PendingImports[unresolved.Path] = appendUnique(g.PendingImports[unresolved.Path], path)
	}
}

// unlink removes the outgoing edges of path.
func (g *Graph) unlink(path string) {
	for _, dep := range g.Forward[path] {
		g.Reverse[dep] = without(g.Reverse[dep], path)
	}
	for target, importers := range g.PendingImports {
		if rest := without(importers, path); len(rest) == 0 {
			delete(g.PendingImports, target)
		} else {
			g.PendingImports[target] = rest
		}
	}
}

// resolvePending links importers waiting for an import that path satisfies.
func (g *Graph) resolvePending(path string) {
	for target, importers := range g.PendingImports {
		if !satisfies(path, target) {
			continue
		}
		for _, importer := range importers {
			g.Reverse[path] = appendUnique(g.Reverse[path], importer)
			g.Forward[importer] = appendUnique(g.Forward[importer], path)
		}
		delete(g.PendingImports, target)
	}
}

// satisfies reports whether file is what an extensionless import of target
// resolves to.
func satisfies(file, target string) bool {
	if !strings.HasPrefix(file, target) {
		return false
	}
	rest := strings.TrimPrefix(file, target)
	for _, ext := range resolveExtensions {
		if rest == ext {
			return true
		}
	}
	return false
}

func importTarget(path string) string {
	target := strings.TrimSuffix(path, filepath.Ext(path))
	if filepath.Base(target) == "index" {
		target = filepath.Dir(target)
	}
	return target
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func without(list []string, item string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != item {
			out = append(out, existing)
		}
	}
	return out
}

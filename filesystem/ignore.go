package filesystem

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnores are skipped in every workspace.
var DefaultIgnores = []string{
	"node_modules",
	".git",
	".lazytest",
	"dist",
	"build",
	"coverage",
	".DS_Store",
	"*.log",
}

type ignoreRule struct {
	glob     string
	anchored bool
	negate   bool
}

// Ignorer decides which workspace paths the watcher and walker skip, from the
// default patterns, extra patterns and the root .gitignore.
type Ignorer struct {
	root  string
	rules []ignoreRule
}

// NewIgnorer creates an Ignorer for root. Extra patterns use .gitignore syntax.
func NewIgnorer(root string, extra ...string) *Ignorer {
	ign := &Ignorer{root: filepath.Clean(root)}
	for _, p := range DefaultIgnores {
		ign.add(p)
	}
	for _, p := range extra {
		ign.add(p)
	}

	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			ign.add(scanner.Text())
		}
	}
	return ign
}

func (i *Ignorer) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	var r ignoreRule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	line = strings.TrimSuffix(line, "/")
	// a slash anywhere but the end anchors the pattern to the root
	if strings.Contains(line, "/") {
		r.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if line == "" || !doublestar.ValidatePattern(line) {
		return
	}
	r.glob = line
	i.rules = append(i.rules, r)
}

// ShouldIgnore reports whether path, or one of its ancestors below the root,
// is ignored. Relative paths are resolved against the root.
func (i *Ignorer) ShouldIgnore(path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(i.root, path)
	}
	rel, err := filepath.Rel(i.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return i.match(filepath.Base(path), filepath.Base(path))
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for n := 1; n <= len(parts); n++ {
		if i.match(strings.Join(parts[:n], "/"), parts[n-1]) {
			return true
		}
	}
	return false
}

// match applies the rules in order; the last matching rule wins.
func (i *Ignorer) match(rel, name string) bool {
	ignored := false
	for _, r := range i.rules {
		target := name
		if r.anchored {
			target = rel
		}
		if ok, _ := doublestar.Match(r.glob, target); ok {
			ignored = !r.negate
		}
	}
	return ignored
}

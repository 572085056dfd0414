package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vitest-dev/vscode-sub001/filesystem"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/runner"
)

// DefaultPool is the pool reported for projects that do not set one.
const DefaultPool = "forks"

// discover walks every project root and returns the test files matched by the
// project's include and exclude patterns, sorted by project then file. A
// workspace without projects is one unnamed project at root.
func discover(ctx context.Context, root string, config runner.Config) ([]protocol.Specification, error) {
	projects := config.Projects
	if len(projects) == 0 {
		projects = []runner.Project{{}}
	}

	var specs []protocol.Specification
	for _, project := range projects {
		projectRoot := project.Root
		switch {
		case projectRoot == "":
			projectRoot = root
		case !filepath.IsAbs(projectRoot):
			projectRoot = filepath.Join(root, projectRoot)
		}

		include := project.Include
		if len(include) == 0 {
			include = config.Include
		}
		exclude := project.Exclude
		if len(exclude) == 0 {
			exclude = config.Exclude
		}
		for _, pattern := range append(append([]string{}, include...), exclude...) {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("project %q: invalid pattern %q", project.Name, pattern)
			}
		}

		for f := range filesystem.StreamFiles(projectRoot) {
			if ctx.Err() != nil {
				// drain so the walker goroutine can finish
				continue
			}
			rel, err := filepath.Rel(projectRoot, f.Location)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !matchAny(include, rel) || matchAny(exclude, rel) {
				continue
			}
			specs = append(specs, specFor(project, f.Location))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Project != specs[j].Project {
			return specs[i].Project < specs[j].Project
		}
		return specs[i].File < specs[j].File
	})
	return specs, nil
}

func specFor(project runner.Project, file string) protocol.Specification {
	spec := protocol.Specification{Project: project.Name, File: file, Pool: project.Pool}
	if project.Browser != nil {
		spec.Pool = "browser"
		spec.Browser = &protocol.BrowserTarget{Provider: project.Browser.Provider, Name: project.Browser.Name}
	}
	if spec.Pool == "" {
		spec.Pool = DefaultPool
	}
	return spec
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// filterSpecs keeps the specifications whose file contains one of filters,
// the way the runner matches its own file filters.
func filterSpecs(specs []protocol.Specification, filters []string) []protocol.Specification {
	if len(filters) == 0 {
		return specs
	}
	out := make([]protocol.Specification, 0, len(specs))
	for _, spec := range specs {
		for _, filter := range filters {
			if strings.Contains(filepath.ToSlash(spec.File), filepath.ToSlash(filter)) {
				out = append(out, spec)
				break
			}
		}
	}
	return out
}

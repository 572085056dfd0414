package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Job is one runner invocation over a group of files that share a command.
type Job struct {
	Command Command
	Files   []string
}

// PrepareJobs groups files by the command their overrides select and builds
// one job per group. extra is appended after the command template and before
// the files.
func PrepareJobs(root string, config Config, files []string, extra ...string) []Job {
	groups := make(map[string][]string)
	for _, file := range files {
		rel, err := filepath.Rel(root, file)
		if err != nil {
			rel = file
		}
		template := config.CommandFor(rel)
		groups[template] = append(groups[template], file)
	}

	templates := make([]string, 0, len(groups))
	for template := range groups {
		templates = append(templates, template)
	}
	sort.Strings(templates)

	jobs := make([]Job, 0, len(templates))
	for _, template := range templates {
		name, args := BuildCommand(template, nil)
		args = append(args, extra...)
		args = append(args, groups[template]...)
		jobs = append(jobs, Job{
			Command: Command{Name: name, Args: args, Dir: root},
			Files:   groups[template],
		})
	}
	return jobs
}

// DetectVersion reads the installed runner version from node_modules,
// walking up from root. The configured runnerVersion wins when set.
func DetectVersion(root string, config Config) (string, error) {
	if config.RunnerVersion != "" {
		return config.RunnerVersion, nil
	}

	dir := root
	for {
		data, err := os.ReadFile(filepath.Join(dir, "node_modules", "vitest", "package.json"))
		if err == nil {
			var pkg struct {
				Version string `json:"version"`
			}
			if err := json.Unmarshal(data, &pkg); err != nil {
				return "", fmt.Errorf("read runner package: %w", err)
			}
			if pkg.Version == "" {
				return "", fmt.Errorf("runner package in %s has no version", dir)
			}
			return pkg.Version, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("runner not installed under %s: %w", root, os.ErrNotExist)
		}
		dir = parent
	}
}

package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ConfigFileName is the per-workspace configuration file.
const ConfigFileName = ".lazytest.json"

// Override replaces the runner command for files matching Pattern.
type Override struct {
	Pattern string `json:"pattern"`
	Command string `json:"command"`
}

// Config is the contents of .lazytest.json.
type Config struct {
	Command       string     `json:"command"`
	Overrides     []Override `json:"overrides,omitempty"`
	Include       []string   `json:"include,omitempty"`
	Exclude       []string   `json:"exclude,omitempty"`
	Projects      []Project  `json:"projects,omitempty"`
	CoverageDir   string     `json:"coverageDir,omitempty"`
	DebounceMs    int        `json:"debounceMs,omitempty"`
	RunnerVersion string     `json:"runnerVersion,omitempty"`
}

// Project is one named project of a multi-project workspace.
type Project struct {
	Name    string   `json:"name"`
	Root    string   `json:"root,omitempty"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Pool    string   `json:"pool,omitempty"`
	Browser *struct {
		Provider string `json:"provider"`
		Name     string `json:"name"`
	} `json:"browser,omitempty"`
}

// DefaultConfig is used when no configuration file exists or it cannot be
// read.
func DefaultConfig() Config {
	return Config{
		Command:     "npx vitest",
		Include:     []string{"**/*.{test,spec}.{ts,tsx,js,jsx,mts,cts,mjs,cjs}"},
		Exclude:     []string{"**/node_modules/**", "**/dist/**", "**/.git/**"},
		CoverageDir: "coverage",
		DebounceMs:  100,
	}
}

// Debounce returns the configured debounce window.
func (c Config) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// GetExecutionRoot finds the nearest package.json starting from path and
// walking up.
func GetExecutionRoot(path string) (string, error) {
	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// LoadConfig looks for .lazytest.json in root and its parents, so a monorepo
// package inherits the workspace file. Missing or malformed files yield the
// defaults; fields left empty are filled from them.
func LoadConfig(root string) Config {
	defaults := DefaultConfig()

	data, ok := findConfig(root)
	if !ok {
		return defaults
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return defaults
	}

	if config.Command == "" {
		config.Command = defaults.Command
	}
	if len(config.Include) == 0 {
		config.Include = defaults.Include
	}
	if len(config.Exclude) == 0 {
		config.Exclude = defaults.Exclude
	}
	if config.CoverageDir == "" {
		config.CoverageDir = defaults.CoverageDir
	}
	if config.DebounceMs <= 0 {
		config.DebounceMs = defaults.DebounceMs
	}
	return config
}

// ConfigPath returns the configuration file that LoadConfig would read for
// root, if any.
func ConfigPath(root string) (string, bool) {
	dir := root
	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func findConfig(root string) ([]byte, bool) {
	path, ok := ConfigPath(root)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// CommandFor returns the command template for a file path relative to the
// workspace root. The first matching override wins.
func (c Config) CommandFor(relPath string) string {
	matchPath := filepath.ToSlash(relPath)
	for _, override := range c.Overrides {
		if ok, _ := doublestar.Match(override.Pattern, matchPath); ok {
			return override.Command
		}
	}
	return c.Command
}

// BuildCommand splits a command template into a program and its arguments.
// A "<path>" placeholder is replaced by paths; without one, paths are
// appended.
func BuildCommand(template string, paths []string) (string, []string) {
	parts := strings.Fields(template)
	if len(parts) == 0 {
		return "", nil
	}

	var args []string
	replaced := false
	for _, part := range parts[1:] {
		if part == "<path>" {
			args = append(args, paths...)
			replaced = true
			continue
		}
		args = append(args, part)
	}
	if !replaced {
		args = append(args, paths...)
	}
	return parts[0], args
}

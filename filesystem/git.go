package filesystem

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ChangedFiles returns absolute paths of files git reports as modified, staged
// or untracked in the repository containing root. Deleted files are skipped.
func ChangedFiles(ctx context.Context, root string) ([]string, error) {
	top, err := git(ctx, root, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, err
	}
	top = strings.TrimSpace(top)

	// porcelain paths are relative to the top level, whatever the working directory
	output, err := git(ctx, root, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		status, relPath := line[:2], line[3:]
		if strings.Contains(status, "D") {
			continue
		}
		if i := strings.Index(relPath, " -> "); i >= 0 {
			relPath = relPath[i+len(" -> "):]
		}
		relPath = strings.Trim(relPath, "\"")
		files = append(files, filepath.Join(top, filepath.FromSlash(relPath)))
	}
	return files, nil
}

// ChangedTestFiles filters ChangedFiles down to test files below root.
func ChangedTestFiles(ctx context.Context, root string) ([]string, error) {
	files, err := ChangedFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	root = filepath.Clean(root)
	var tests []string
	for _, f := range files {
		if IsTestFile(f) && (f == root || strings.HasPrefix(f, root+string(filepath.Separator))) {
			tests = append(tests, f)
		}
	}
	return tests, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(output), nil
}

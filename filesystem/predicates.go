package filesystem

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	testFileRegex   = regexp.MustCompile(`\.(test|spec)\.[cm]?[jt]sx?$`)
	sourceFileRegex = regexp.MustCompile(`\.[cm]?[jt]sx?$`)
)

// IsTestFile checks if a file is a test file based on its extension.
func IsTestFile(name string) bool {
	return testFileRegex.MatchString(name)
}

// IsSourceFile checks if a file is a compilable source file.
func IsSourceFile(name string) bool {
	return sourceFileRegex.MatchString(name) && !strings.HasSuffix(name, ".d.ts")
}

// IsConfigFile checks if a file is a configuration file that might affect tests.
// A change to one of them requires a new worker session.
func IsConfigFile(name string) bool {
	base := filepath.Base(name)
	return base == "package.json" ||
		base == "tsconfig.json" ||
		base == ".lazytest.json" ||
		strings.HasPrefix(base, "vitest.config.") ||
		strings.HasPrefix(base, "vitest.workspace.") ||
		strings.HasPrefix(base, "vite.config.")
}

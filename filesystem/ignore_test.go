package filesystem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIgnorer(t *testing.T) {
	tmpDir := t.TempDir()

	gitignoreContent := `
# Comment
ignored_dir/
*.tmp
/root_only.txt
docs/**/*.md
!keep.log
`
	if err := os.WriteFile(filepath.Join(tmpDir, ".gitignore"), []byte(gitignoreContent), 0644); err != nil {
		t.Fatal(err)
	}

	ignorer := NewIgnorer(tmpDir, "__snapshots__")

	tests := []struct {
		path   string
		ignore bool
	}{
		{"node_modules", true},
		{"node_modules/vitest/index.js", true},
		{".git", true},
		{"src/app.ts", false},
		{"ignored_dir", true},
		{"src/ignored_dir", true},
		{"src/ignored_dir/a.test.ts", true},
		{"temp.tmp", true},
		{"src/temp.tmp", true},
		{"root_only.txt", true},
		{"src/root_only.txt", false},
		{"docs/guide/intro.md", true},
		{"src/intro.md", false},
		{"debug.log", true},
		{"keep.log", false},
		{"src/__snapshots__/a.test.ts.snap", true},
	}

	for _, tt := range tests {
		fullPath := filepath.Join(tmpDir, tt.path)
		if got := ignorer.ShouldIgnore(fullPath); got != tt.ignore {
			t.Errorf("ShouldIgnore(%q) = %v, want %v", tt.path, got, tt.ignore)
		}
	}

	if !ignorer.ShouldIgnore("node_modules") {
		t.Error("relative paths resolve against the root")
	}
}

func TestIgnorerWithoutGitignore(t *testing.T) {
	ignorer := NewIgnorer(t.TempDir())
	if ignorer.ShouldIgnore("src/temp.tmp") {
		t.Error("only defaults apply without a .gitignore")
	}
	if !ignorer.ShouldIgnore("dist/index.js") {
		t.Error("dist is ignored by default")
	}
}

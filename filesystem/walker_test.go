package filesystem

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTestFiles(t *testing.T) {
	tmpDir := t.TempDir()
	writeFiles(t, tmpDir,
		"src/component.test.tsx",
		"src/utils/helper.spec.ts",
		"src/utils/helper.ts",
		"node_modules/pkg/index.test.js",
		"readme.md",
	)

	files, err := TestFiles(tmpDir, NewIgnorer(tmpDir))
	if err != nil {
		t.Fatalf("TestFiles failed: %v", err)
	}

	want := []string{
		filepath.Join(tmpDir, "src/component.test.tsx"),
		filepath.Join(tmpDir, "src/utils/helper.spec.ts"),
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d test files, got %v", len(want), files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("file %d: expected %s, got %s", i, want[i], files[i])
		}
	}
}

func TestWalkSkipsIgnoredDirs(t *testing.T) {
	tmpDir := t.TempDir()
	writeFiles(t, tmpDir, "src/a.ts", "dist/a.js", ".git/HEAD")

	var dirs []string
	err := Walk(tmpDir, NewIgnorer(tmpDir), func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 2 || dirs[0] != tmpDir || dirs[1] != filepath.Join(tmpDir, "src") {
		t.Errorf("unexpected dirs: %v", dirs)
	}
}

package filesystem

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func gitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	tmpDir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "init")
	cmd.Dir = tmpDir
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	return tmpDir
}

func TestChangedFiles(t *testing.T) {
	tmpDir := gitRepo(t)

	filePath := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(filePath, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	files, err := ChangedFiles(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}

	if len(files) != 1 {
		t.Fatalf("expected 1 changed file, got %v", files)
	}
	if files[0] != filePath {
		t.Errorf("expected file path %s, got %s", filePath, files[0])
	}
}

func TestChangedTestFilesFromSubdirectory(t *testing.T) {
	tmpDir := gitRepo(t)
	writeFiles(t, tmpDir,
		"web/src/a.test.ts",
		"web/src/a.ts",
		"api/b.test.ts",
	)

	web := filepath.Join(tmpDir, "web")
	files, err := ChangedTestFiles(context.Background(), web)
	if err != nil {
		t.Fatalf("ChangedTestFiles failed: %v", err)
	}
	want := filepath.Join(web, "src", "a.test.ts")
	if len(files) != 1 || files[0] != want {
		t.Errorf("expected [%s], got %v", want, files)
	}
}

func TestChangedFilesOutsideRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	if _, err := ChangedFiles(context.Background(), t.TempDir()); err == nil {
		t.Error("expected an error outside a repository")
	}
}

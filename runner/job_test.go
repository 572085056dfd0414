package runner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareJobs(t *testing.T) {
	root := t.TempDir()
	config := Config{
		Command: "npx vitest run",
		Overrides: []Override{
			{Pattern: "pkg/**", Command: "pnpm --filter pkg vitest run"},
			{Pattern: "src/special.test.js", Command: "special <path> --bail"},
		},
	}

	files := []string{
		filepath.Join(root, "src", "a.test.ts"),
		filepath.Join(root, "pkg", "sub", "b.test.ts"),
		filepath.Join(root, "src", "special.test.js"),
		filepath.Join(root, "src", "c.test.ts"),
	}

	jobs := PrepareJobs(root, config, files, "--reporter=json")
	if len(jobs) != 3 {
		t.Fatalf("Expected 3 jobs, got %d", len(jobs))
	}

	byName := make(map[string]Job)
	for _, job := range jobs {
		byName[job.Command.Name] = job
		if job.Command.Dir != root {
			t.Errorf("Expected job dir %s, got %s", root, job.Command.Dir)
		}
	}

	npx, ok := byName["npx"]
	if !ok {
		t.Fatal("Expected default job")
	}
	if len(npx.Files) != 2 {
		t.Errorf("Expected 2 files in default job, got %v", npx.Files)
	}
	wantArgs := []string{"vitest", "run", "--reporter=json", files[0], files[3]}
	if len(npx.Command.Args) != len(wantArgs) {
		t.Fatalf("Expected args %v, got %v", wantArgs, npx.Command.Args)
	}
	for i := range wantArgs {
		if npx.Command.Args[i] != wantArgs[i] {
			t.Errorf("arg %d: expected %q, got %q", i, wantArgs[i], npx.Command.Args[i])
		}
	}

	if _, ok := byName["pnpm"]; !ok {
		t.Error("Expected pkg/** override job")
	}
	if special, ok := byName["special"]; !ok || special.Files[0] != files[2] {
		t.Error("Expected exact-match override job")
	}
}

func TestDetectVersion(t *testing.T) {
	t.Run("Installed", func(t *testing.T) {
		root := t.TempDir()
		pkgDir := filepath.Join(root, "node_modules", "vitest")
		if err := os.MkdirAll(pkgDir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(pkgDir, "package.json"), []byte(`{"name":"vitest","version":"3.1.2"}`), 0644); err != nil {
			t.Fatal(err)
		}
		nested := filepath.Join(root, "packages", "app")
		if err := os.MkdirAll(nested, 0755); err != nil {
			t.Fatal(err)
		}

		version, err := DetectVersion(nested, Config{})
		if err != nil {
			t.Fatal(err)
		}
		if version != "3.1.2" {
			t.Errorf("Expected 3.1.2, got %s", version)
		}
	})

	t.Run("Configured", func(t *testing.T) {
		version, err := DetectVersion(t.TempDir(), Config{RunnerVersion: "2.1.9"})
		if err != nil || version != "2.1.9" {
			t.Errorf("Expected configured version, got %q (%v)", version, err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := DetectVersion(t.TempDir(), Config{})
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Expected ErrNotExist, got %v", err)
		}
	})
}

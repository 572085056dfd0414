package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vitest-dev/vscode-sub001/analysis"
	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/runner"
)

// nameSeparator joins the suite path and test name in list output.
const nameSeparator = " > "

// listEntry is one test of `list --json` output.
type listEntry struct {
	Name        string `json:"name"`
	File        string `json:"file"`
	ProjectName string `json:"projectName"`
}

// listModule collects one specification with the runner's list command. The
// test bodies are not executed, but suite bodies are, so table driven tests
// come back expanded.
func (b *base) listModule(ctx context.Context, spec protocol.Specification) (*protocol.Task, error) {
	out, err := tempReport()
	if err != nil {
		return nil, err
	}
	defer os.Remove(out)

	extra := []string{"list", "--json=" + out}
	if spec.Project != "" {
		extra = append(extra, "--project="+spec.Project)
	}
	jobs := runner.PrepareJobs(b.root, b.config, []string{spec.File}, extra...)
	if len(jobs) != 1 {
		return nil, fmt.Errorf("list %s: no command", spec.File)
	}
	cmd := jobs[0].Command
	cmd.Env = b.env

	tail := newTail(20)
	proc, err := b.launcher.Start(ctx, cmd, b.onLine(tail))
	if err != nil {
		return nil, err
	}
	waitErr := proc.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	data, err := os.ReadFile(out)
	if err != nil || len(data) == 0 {
		return nil, exitError(waitErr, tail)
	}
	var entries []listEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse list output: %w", err)
	}

	relPath := b.relPath(spec.File)
	module := listedModule(spec, relPath, entries)

	// static declarations add source locations and the un-expanded table
	// tests; a file the parser cannot read still has its listed tests
	if decls, err := analysis.ParseTests(spec.File); err == nil {
		enrich(module, decls)
	}
	return module, nil
}

func listedModule(spec protocol.Specification, relPath string, entries []listEntry) *protocol.Task {
	file := &protocol.Task{
		ID:      protocol.FileTaskID(spec.Project, relPath),
		Name:    relPath,
		Kind:    protocol.KindFile,
		Mode:    protocol.ModeRun,
		State:   protocol.StateWaiting,
		Project: spec.Project,
		File:    spec.File,
	}
	b := newTreeBuilder(file)
	for _, entry := range entries {
		if spec.Project != "" && entry.ProjectName != spec.Project {
			continue
		}
		path := strings.Split(entry.Name, nameSeparator)
		parent := b.suite(path[:len(path)-1])
		b.add(parent, path[len(path)-1], protocol.KindTest)
	}
	return file
}

// enrich copies locations and modes of matching declarations onto tasks and
// appends a placeholder task for every table driven declaration.
func enrich(parent *protocol.Task, decls []*analysis.Declaration) {
	used := make(map[*protocol.Task]bool)
	for _, decl := range decls {
		if decl.Each {
			placeholder := &protocol.Task{
				ID:       protocol.ChildTaskID(parent.ID, len(parent.Tasks)),
				Name:     decl.Name,
				Kind:     decl.Kind,
				Mode:     decl.Mode,
				State:    protocol.StateWaiting,
				ParentID: parent.ID,
				Each:     true,
			}
			loc := decl.Location
			placeholder.Location = &loc
			parent.Tasks = append(parent.Tasks, placeholder)
			continue
		}

		for _, task := range parent.Tasks {
			if used[task] || task.Each || task.Name != decl.Name || task.Kind != decl.Kind {
				continue
			}
			used[task] = true
			loc := decl.Location
			task.Location = &loc
			if decl.Mode != protocol.ModeRun {
				task.Mode = decl.Mode
			}
			enrich(task, decl.Children)
			break
		}
	}
}

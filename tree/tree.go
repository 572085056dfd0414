// Package tree keeps the explorer's test tree: stable, addressable nodes
// reconciled from the task trees the runner reports pass after pass.
//
// Runner task ids only live for one pass. Nodes get their own ids, derived
// from the file and the name path, and keep them for as long as the entity
// they stand for exists. Table driven groups are represented by a pattern
// node carrying the un-expanded name, kept next to the cases generated from
// it.
package tree

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitest-dev/vscode-sub001/analysis"
	"github.com/vitest-dev/vscode-sub001/protocol"
)

var nodeNamespace = uuid.MustParse("0f6f9f3e-5c1d-4b7a-9a57-2f1d8c3e6b40")

// Pass is the kind of runner pass a report comes from.
type Pass int

const (
	// Collect reports every task of a file without running it.
	Collect Pass = iota
	// PartialCollect reports what a static parse can see. Generated cases
	// of patterns that are still declared are kept.
	PartialCollect
	// Run reports executed tasks with their results.
	Run
)

func (p Pass) String() string {
	switch p {
	case Collect:
		return "collect"
	case PartialCollect:
		return "partial-collect"
	case Run:
		return "run"
	}
	return "pass(" + strconv.Itoa(int(p)) + ")"
}

// Node is one entry of the tree.
type Node struct {
	ID      string
	Name    string
	Kind    protocol.TaskKind
	Pattern bool
	// PatternID is the id of the pattern node a generated case belongs to.
	PatternID string

	Mode     protocol.TaskMode
	State    protocol.TaskState
	Duration float64
	Errors   []protocol.TaskError
	Location *protocol.Location

	// Project and File are set on file nodes.
	Project string
	File    string

	Children []*Node

	parent   *Node
	runnerID string
}

// Walk calls fn for n and its descendants, depth first.
func (n *Node) Walk(fn func(node *Node, depth int)) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int), depth int) {
	fn(n, depth)
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}

// Result counts the terminal states of the test cases under n. Pattern
// nodes are not test cases.
func (n *Node) Result() protocol.FileResult {
	res := protocol.FileResult{Project: n.Project, File: n.File, State: n.State}
	n.Walk(func(c *Node, _ int) {
		if c.Kind != protocol.KindTest || c.Pattern {
			return
		}
		switch c.State {
		case protocol.StatePassed:
			res.Passed++
		case protocol.StateFailed:
			res.Failed++
		case protocol.StateSkipped:
			res.Skipped++
		}
	})
	return res
}

func (n *Node) clone(parent *Node) *Node {
	c := *n
	c.parent = parent
	c.Errors = append([]protocol.TaskError(nil), n.Errors...)
	if n.Location != nil {
		loc := *n.Location
		c.Location = &loc
	}
	c.Children = make([]*Node, len(n.Children))
	for i, child := range n.Children {
		c.Children[i] = child.clone(&c)
	}
	return &c
}

// Tree is safe for concurrent use.
type Tree struct {
	root   string
	logger zerolog.Logger

	mu     sync.RWMutex
	files  map[string]*Node
	byID   map[string]*Node
	runner map[string]*Node
}

// New creates an empty tree for the workspace at root.
func New(root string, logger zerolog.Logger) *Tree {
	return &Tree{
		root:   root,
		logger: logger.With().Str("component", "tree").Logger(),
		files:  make(map[string]*Node),
		byID:   make(map[string]*Node),
		runner: make(map[string]*Node),
	}
}

func fileKey(project, file string) string {
	return project + "\x00" + filepath.Clean(file)
}

func (t *Tree) relPath(file string) string {
	rel, err := filepath.Rel(t.root, file)
	if err != nil {
		return file
	}
	return filepath.ToSlash(rel)
}

// Files returns a copy of the file nodes, sorted by project then path.
func (t *Tree) Files() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	files := make([]*Node, 0, len(t.files))
	for _, f := range t.files {
		files = append(files, f.clone(nil))
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Project != files[j].Project {
			return files[i].Project < files[j].Project
		}
		return files[i].File < files[j].File
	})
	return files
}

// Node returns a copy of the node with id.
func (t *Tree) Node(id string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return n.clone(nil), true
}

// File returns a copy of the file node of a specification.
func (t *Tree) File(project, file string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.files[fileKey(project, file)]
	if !ok {
		return nil, false
	}
	return n.clone(nil), true
}

// FileOf returns the specification of the file containing node id.
func (t *Tree) FileOf(id string) (protocol.Specification, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	if !ok {
		return protocol.Specification{}, false
	}
	for n.parent != nil {
		n = n.parent
	}
	return protocol.Specification{Project: n.Project, File: n.File}, true
}

// SetFiles makes the file nodes match specs. New files start waiting and
// files that are no longer listed are removed with their history.
func (t *Tree) SetFiles(specs []protocol.Specification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := make(map[string]bool, len(specs))
	for _, spec := range specs {
		keep[fileKey(spec.Project, spec.File)] = true
		t.fileNode(spec.Project, spec.File)
	}
	for key, f := range t.files {
		if !keep[key] {
			t.remove(f)
			delete(t.files, key)
		}
	}
}

func (t *Tree) fileNode(project, file string) *Node {
	key := fileKey(project, file)
	if f, ok := t.files[key]; ok {
		return f
	}
	rel := t.relPath(file)
	f := &Node{
		ID:       uuid.NewSHA1(nodeNamespace, []byte(key)).String(),
		Name:     rel,
		Kind:     protocol.KindFile,
		Mode:     protocol.ModeRun,
		State:    protocol.StateWaiting,
		Project:  project,
		File:     filepath.Clean(file),
		runnerID: protocol.FileTaskID(project, rel),
	}
	t.files[key] = f
	t.byID[f.ID] = f
	t.runner[f.runnerID] = f
	return f
}

// childID derives the id of a new child from its parent, kind and name.
// Siblings with the same name get successive ids.
func (t *Tree) childID(parent *Node, kind protocol.TaskKind, name string, pattern bool) string {
	space := uuid.NewSHA1(nodeNamespace, []byte(parent.ID))
	seed := string(kind) + "\x00" + name
	if pattern {
		seed += "\x00pattern"
	}
	for n := 0; ; n++ {
		id := uuid.NewSHA1(space, []byte(seed+"\x00"+strconv.Itoa(n))).String()
		if _, taken := t.byID[id]; !taken {
			return id
		}
	}
}

// Reconcile merges a module reported by a pass into the tree.
func (t *Tree) Reconcile(module *protocol.Task, pass Pass) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file := t.fileNode(module.Project, module.File)
	t.forgetRunnerIDs(file)
	file.runnerID = module.ID
	t.runner[module.ID] = file

	failed := module.State == protocol.StateFailed && len(module.Errors) > 0
	file.Errors = append([]protocol.TaskError(nil), module.Errors...)

	// a file that failed to load reports no tasks; its last known tests
	// stay for the next pass to settle
	if failed && len(module.Tasks) == 0 {
		file.State = protocol.StateFailed
		t.logger.Debug().Str("file", file.Name).Str("pass", pass.String()).Msg("file failed to load")
		return
	}

	t.reconcileChildren(file, module.Tasks, pass)

	switch {
	case failed:
		file.State = protocol.StateFailed
	case pass == Run && module.State != "":
		file.State = module.State
	case pass == Run:
		file.State = aggregateState(file.Children)
	case !file.State.Done():
		file.State = protocol.StateWaiting
	}
	settlePatterns(file)
}

func (t *Tree) reconcileChildren(parent *Node, reported []*protocol.Task, pass Pass) {
	old := parent.Children
	used := make([]bool, len(old))
	matched := make([]*Node, len(reported))

	names := make(map[string]bool, len(reported))
	for _, r := range reported {
		names[entityKey(r.Kind, r.Name, r.Each)] = true
	}

	// same name: same entity, whatever the position
	for i, r := range reported {
		key := entityKey(r.Kind, r.Name, r.Each)
		for j, o := range old {
			if !used[j] && entityKey(o.Kind, o.Name, o.Pattern) == key {
				used[j] = true
				matched[i] = o
				break
			}
		}
	}

	// same position, new name: a replacement of a case that is gone
	var oldCases []int
	for j, o := range old {
		if !o.Pattern {
			oldCases = append(oldCases, j)
		}
	}
	pos := 0
	for i, r := range reported {
		if r.Each {
			continue
		}
		k := pos
		pos++
		if matched[i] != nil || k >= len(oldCases) {
			continue
		}
		j := oldCases[k]
		o := old[j]
		if used[j] || o.Kind != r.Kind || names[entityKey(o.Kind, o.Name, false)] {
			continue
		}
		used[j] = true
		t.logger.Debug().Str("from", o.Name).Str("to", r.Name).Msg("replaced")
		o.Name = r.Name
		resetState(o)
		matched[i] = o
	}

	children := make([]*Node, 0, len(reported))
	for i, r := range reported {
		n := matched[i]
		if n == nil {
			n = &Node{
				ID:      t.childID(parent, r.Kind, r.Name, r.Each),
				Name:    r.Name,
				Kind:    r.Kind,
				Pattern: r.Each,
				State:   protocol.StateWaiting,
				parent:  parent,
			}
			t.byID[n.ID] = n
		}
		t.update(n, r, pass)
		children = append(children, n)
	}

	for j, o := range old {
		if used[j] {
			continue
		}
		if retain(o, reported, pass) {
			children = append(children, o)
			continue
		}
		t.remove(o)
	}

	parent.Children = children
	linkPatterns(children)
}

func (t *Tree) update(n *Node, r *protocol.Task, pass Pass) {
	n.Kind = r.Kind
	n.Pattern = r.Each
	n.Mode = r.Mode
	if r.Location != nil {
		loc := *r.Location
		n.Location = &loc
	}
	n.runnerID = r.ID
	t.runner[r.ID] = n

	switch {
	case pass == Run && r.State != "":
		n.State = r.State
		n.Duration = r.Duration
		n.Errors = append([]protocol.TaskError(nil), r.Errors...)
	case len(r.Errors) > 0:
		n.State = protocol.StateFailed
		n.Errors = append([]protocol.TaskError(nil), r.Errors...)
	case !n.State.Done():
		n.State = protocol.StateWaiting
	}

	t.reconcileChildren(n, r.Tasks, pass)
}

// retain decides whether a node the pass did not report survives it.
func retain(n *Node, reported []*protocol.Task, pass Pass) bool {
	if n.Pattern {
		// runs report the generated cases, never the placeholder
		return pass == Run
	}
	if pass != PartialCollect {
		return false
	}
	for _, r := range reported {
		if r.Each && Expands(r.Name, n.Name) {
			return true
		}
	}
	return false
}

func entityKey(kind protocol.TaskKind, name string, pattern bool) string {
	if pattern {
		return "pattern\x00" + string(kind) + "\x00" + name
	}
	return string(kind) + "\x00" + name
}

func resetState(n *Node) {
	n.State = protocol.StateWaiting
	n.Duration = 0
	n.Errors = nil
}

// linkPatterns points every generated case at the pattern it expands.
func linkPatterns(siblings []*Node) {
	for _, n := range siblings {
		if n.Pattern {
			continue
		}
		n.PatternID = ""
		for _, p := range siblings {
			if p.Pattern && p.Kind == n.Kind && Expands(p.Name, n.Name) {
				n.PatternID = p.ID
				break
			}
		}
	}
}

// settlePatterns gives every pattern node the combined state of its cases.
func settlePatterns(n *Node) {
	for _, c := range n.Children {
		settlePatterns(c)
	}
	for _, p := range n.Children {
		if !p.Pattern {
			continue
		}
		var cases []*Node
		for _, c := range n.Children {
			if c.PatternID == p.ID {
				cases = append(cases, c)
			}
		}
		if len(cases) > 0 {
			p.State = aggregateState(cases)
		}
	}
}

func aggregateState(nodes []*Node) protocol.TaskState {
	var running, failed, passed, skipped bool
	for _, n := range nodes {
		if n.Pattern {
			continue
		}
		switch n.State {
		case protocol.StateRunning:
			running = true
		case protocol.StateFailed:
			failed = true
		case protocol.StatePassed:
			passed = true
		case protocol.StateSkipped:
			skipped = true
		}
	}
	switch {
	case running:
		return protocol.StateRunning
	case failed:
		return protocol.StateFailed
	case passed:
		return protocol.StatePassed
	case skipped:
		return protocol.StateSkipped
	}
	return protocol.StateWaiting
}

func (t *Tree) remove(n *Node) {
	n.Walk(func(c *Node, _ int) {
		delete(t.byID, c.ID)
		if t.runner[c.runnerID] == c {
			delete(t.runner, c.runnerID)
		}
	})
}

// forgetRunnerIDs drops the runner ids of a file's descendants; the pass
// being merged assigns new ones.
func (t *Tree) forgetRunnerIDs(file *Node) {
	file.Walk(func(c *Node, _ int) {
		if t.runner[c.runnerID] == c {
			delete(t.runner, c.runnerID)
		}
	})
}

// ApplyPacks sets the states reported by a task update. It returns the
// number of packs whose task is unknown.
func (t *Tree) ApplyPacks(packs []protocol.TaskPack) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	unknown := 0
	touched := make(map[*Node]bool)
	for _, p := range packs {
		n, ok := t.runner[p.ID]
		if !ok {
			unknown++
			continue
		}
		n.State = p.State
		if p.State.Done() {
			n.Duration = p.Duration
			n.Errors = append([]protocol.TaskError(nil), p.Errors...)
		}
		for n.parent != nil {
			n = n.parent
		}
		touched[n] = true
	}
	for file := range touched {
		settlePatterns(file)
	}
	if unknown > 0 {
		t.logger.Debug().Int("unknown", unknown).Msg("task update for unknown tasks")
	}
	return unknown
}

// FinishRun ends a run: file nodes take their reported results and nodes
// the run never reached go back to waiting.
func (t *Tree) FinishRun(results []protocol.FileResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.files {
		f.Walk(func(n *Node, _ int) {
			if n.State == protocol.StateRunning {
				n.State = protocol.StateWaiting
			}
		})
	}
	for _, res := range results {
		f, ok := t.files[fileKey(res.Project, res.File)]
		if !ok {
			continue
		}
		if res.State.Done() {
			f.State = res.State
		}
		settlePatterns(f)
	}
}

// LoadSkeleton fills a file that was never collected from a static parse of
// its source. A file that cannot be parsed is marked failed.
func (t *Tree) LoadSkeleton(spec protocol.Specification) error {
	t.mu.RLock()
	f, ok := t.files[fileKey(spec.Project, spec.File)]
	collected := ok && len(f.Children) > 0
	t.mu.RUnlock()
	if collected {
		return nil
	}

	rel := t.relPath(spec.File)
	decls, err := analysis.ParseTests(spec.File)
	if err != nil {
		t.Reconcile(&protocol.Task{
			ID:      protocol.FileTaskID(spec.Project, rel),
			Kind:    protocol.KindFile,
			State:   protocol.StateFailed,
			Project: spec.Project,
			File:    spec.File,
			Errors:  []protocol.TaskError{{Message: err.Error()}},
		}, PartialCollect)
		return fmt.Errorf("load skeleton of %s: %w", rel, err)
	}
	t.Reconcile(analysis.FileTask(spec, rel, decls), PartialCollect)
	return nil
}

// Resolve returns a copy of the node a runner task id belongs to in the
// latest pass.
func (t *Tree) Resolve(runnerID string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.runner[runnerID]
	if !ok {
		return nil, false
	}
	return n.clone(nil), true
}

// NamePattern returns the test name filter that selects node id and the
// tests below it when its file runs. Files need no filter.
func (t *Tree) NamePattern(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	if !ok {
		return "", false
	}
	if n.Kind == protocol.KindFile {
		return "", true
	}

	var parts []string
	for c := n; c.parent != nil; c = c.parent {
		part := regexp.QuoteMeta(c.Name)
		if c.Pattern {
			part = templateBody(c.Name)
		}
		parts = append([]string{part}, parts...)
	}
	pattern := "^" + strings.Join(parts, " ")
	if n.Kind == protocol.KindSuite {
		return pattern + " ", true
	}
	return pattern + "$", true
}

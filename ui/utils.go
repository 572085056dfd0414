package ui

import (
	"strings"

	"github.com/vitest-dev/vscode-sub001/protocol"
	"github.com/vitest-dev/vscode-sub001/tree"
)

// DisplayNode is one row of the explorer.
type DisplayNode struct {
	// Node is the test tree node of the row, nil for directories.
	Node        *tree.Node
	DisplayName string
	Depth       int
	// FileID is the id of the file node containing Node.
	FileID string
	// Files are the file node ids under a directory row.
	Files []string
}

// Targets returns the node ids an action on the row applies to.
func (d DisplayNode) Targets() []string {
	if d.Node != nil {
		return []string{d.Node.ID}
	}
	return d.Files
}

type dirNode struct {
	name  string
	dirs  []*dirNode
	index map[string]*dirNode
	files []*tree.Node
}

func (d *dirNode) dir(name string) *dirNode {
	if c, ok := d.index[name]; ok {
		return c
	}
	c := &dirNode{name: name, index: make(map[string]*dirNode)}
	d.index[name] = c
	d.dirs = append(d.dirs, c)
	return c
}

func (d *dirNode) fileIDs() []string {
	var ids []string
	for _, c := range d.dirs {
		ids = append(ids, c.fileIDs()...)
	}
	for _, f := range d.files {
		ids = append(ids, f.ID)
	}
	return ids
}

// flattenNodes lays the file nodes out in their directories, depth first,
// followed by the suites and tests of each file. Directories with a single
// subdirectory and no files are merged into one row.
func flattenNodes(files []*tree.Node) []DisplayNode {
	nodes := []DisplayNode{}
	root := &dirNode{index: make(map[string]*dirNode)}
	for _, f := range files {
		parts := strings.Split(f.Name, "/")
		d := root
		if f.Project != "" {
			d = d.dir("[" + f.Project + "]")
		}
		for _, p := range parts[:len(parts)-1] {
			d = d.dir(p)
		}
		d.files = append(d.files, f)
	}

	var traverse func(*dirNode, int)
	traverse = func(d *dirNode, depth int) {
		for _, c := range d.dirs {
			name := c.name
			for len(c.dirs) == 1 && len(c.files) == 0 {
				c = c.dirs[0]
				name += "/" + c.name
			}
			nodes = append(nodes, DisplayNode{DisplayName: name, Depth: depth, Files: c.fileIDs()})
			traverse(c, depth+1)
		}
		for _, f := range d.files {
			base := depth
			f.Walk(func(n *tree.Node, level int) {
				name := n.Name
				if n.Kind == protocol.KindFile {
					name = name[strings.LastIndex(name, "/")+1:]
				}
				nodes = append(nodes, DisplayNode{Node: n, DisplayName: name, Depth: base + level, FileID: f.ID})
			})
		}
	}
	traverse(root, 0)
	return nodes
}

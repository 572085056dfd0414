package analysis

import (
	"os"
	"regexp"
	"strings"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

// Declaration is a describe/suite/it/test block found in a source file.
type Declaration struct {
	Name     string
	Kind     protocol.TaskKind
	Mode     protocol.TaskMode
	Each     bool
	Location protocol.Location
	Children []*Declaration

	start, end int
}

var callRegex = regexp.MustCompile(`\b(describe|suite|it|test)((?:\s*\.\s*[A-Za-z]+)*)\s*[(\x60]`)

// ParseTests reads path and returns its top-level test declarations.
func ParseTests(path string) ([]*Declaration, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTestSource(string(content)), nil
}

// ParseTestSource returns the top-level test declarations of src. Table
// driven blocks (.each, .for) are returned once with their template name and
// Each set.
func ParseTestSource(src string) []*Declaration {
	code := codeMask(src)
	lines := lineStarts(src)

	var flat []*Declaration
	for _, m := range callRegex.FindAllStringSubmatchIndex(src, -1) {
		start := m[0]
		if !code[start] || precededByMember(src, start) {
			continue
		}

		decl := &Declaration{Kind: protocol.KindTest, Mode: protocol.ModeRun, start: start}
		if fn := src[m[2]:m[3]]; fn == "describe" || fn == "suite" {
			decl.Kind = protocol.KindSuite
		}
		for _, modifier := range strings.Split(src[m[4]:m[5]], ".") {
			switch strings.TrimSpace(modifier) {
			case "skip":
				decl.Mode = protocol.ModeSkip
			case "todo":
				decl.Mode = protocol.ModeTodo
			case "each", "for":
				decl.Each = true
			}
		}

		// m[1]-1 is the opening paren or backtick of the first argument list
		pos := m[1] - 1
		if decl.Each {
			pos = skipTable(src, pos)
			if pos < 0 {
				continue
			}
		} else if src[pos] != '(' {
			continue
		}

		closeAt := matchClose(src, pos)
		if closeAt < 0 {
			closeAt = len(src)
		}
		name, ok := firstArgument(src, pos+1, closeAt)
		if !ok {
			continue
		}
		decl.Name = name
		decl.end = closeAt
		decl.Location = position(lines, start)
		flat = append(flat, decl)
	}

	return nest(flat)
}

// nest builds the tree from declarations sorted by start offset.
func nest(flat []*Declaration) []*Declaration {
	var roots []*Declaration
	var stack []*Declaration
	for _, decl := range flat {
		for len(stack) > 0 && stack[len(stack)-1].end < decl.start {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, decl)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, decl)
		}
		if decl.Kind == protocol.KindSuite {
			stack = append(stack, decl)
		}
	}
	return roots
}

// FileTask converts declarations into a file task with positional ids. All
// tasks are left waiting.
func FileTask(spec protocol.Specification, relPath string, decls []*Declaration) *protocol.Task {
	file := &protocol.Task{
		ID:      protocol.FileTaskID(spec.Project, relPath),
		Name:    relPath,
		Kind:    protocol.KindFile,
		Mode:    protocol.ModeRun,
		State:   protocol.StateWaiting,
		Project: spec.Project,
		File:    spec.File,
	}
	file.Tasks = declTasks(file.ID, decls)
	return file
}

func declTasks(parentID string, decls []*Declaration) []*protocol.Task {
	tasks := make([]*protocol.Task, 0, len(decls))
	for i, decl := range decls {
		loc := decl.Location
		task := &protocol.Task{
			ID:       protocol.ChildTaskID(parentID, i),
			Name:     decl.Name,
			Kind:     decl.Kind,
			Mode:     decl.Mode,
			State:    protocol.StateWaiting,
			ParentID: parentID,
			Location: &loc,
			Each:     decl.Each,
		}
		task.Tasks = declTasks(task.ID, decl.Children)
		tasks = append(tasks, task)
	}
	return tasks
}

func precededByMember(src string, at int) bool {
	for i := at - 1; i >= 0; i-- {
		switch src[i] {
		case ' ', '\t':
			continue
		case '.':
			return true
		default:
			return false
		}
	}
	return false
}

// skipTable moves past the table argument of .each/.for and returns the
// offset of the opening paren of the name argument list.
func skipTable(src string, at int) int {
	var end int
	switch src[at] {
	case '(':
		end = matchClose(src, at)
	case '`':
		end = skipString(src, at)
	default:
		return -1
	}
	if end < 0 {
		return -1
	}
	for i := end + 1; i < len(src); i++ {
		switch src[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '(':
			return i
		default:
			return -1
		}
	}
	return -1
}

// firstArgument returns the first argument between from and to: the contents
// of a string literal, or the raw expression otherwise.
func firstArgument(src string, from, to int) (string, bool) {
	i := from
	for i < to && strings.ContainsRune(" \t\r\n", rune(src[i])) {
		i++
	}
	if i >= to {
		return "", false
	}
	if q := src[i]; q == '\'' || q == '"' || q == '`' {
		end := skipString(src, i)
		if end < 0 || end > to {
			return "", false
		}
		return unescape(src[i+1 : end]), true
	}

	depth := 0
	j := i
	for ; j < to; j++ {
		c := src[j]
		if c == '(' || c == '[' || c == '{' {
			depth++
		} else if c == ')' || c == ']' || c == '}' {
			depth--
		} else if c == ',' && depth == 0 {
			break
		}
	}
	expr := strings.TrimSpace(src[i:j])
	return expr, expr != ""
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// skipString returns the offset of the quote closing the literal at at.
func skipString(src string, at int) int {
	quote := src[at]
	for i := at + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case quote:
			return i
		case '\n':
			if quote != '`' {
				return -1
			}
		}
	}
	return -1
}

// matchClose returns the offset of the paren closing the one at open,
// ignoring parens inside strings and comments.
func matchClose(src string, open int) int {
	depth := 0
	for i := open; i < len(src); i++ {
		switch c := src[i]; c {
		case '\'', '"', '`':
			end := skipString(src, i)
			if end < 0 {
				return -1
			}
			i = end
		case '/':
			if next := skipComment(src, i); next > i {
				i = next
			}
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// skipComment returns the last offset of a comment starting at at, or at when
// there is none.
func skipComment(src string, at int) int {
	if at+1 >= len(src) {
		return at
	}
	switch src[at+1] {
	case '/':
		if end := strings.IndexByte(src[at:], '\n'); end >= 0 {
			return at + end
		}
		return len(src) - 1
	case '*':
		if end := strings.Index(src[at+2:], "*/"); end >= 0 {
			return at + 2 + end + 1
		}
		return len(src) - 1
	}
	return at
}

// codeMask marks the offsets of src that are neither in a string nor in a
// comment.
func codeMask(src string) []bool {
	mask := make([]bool, len(src)+1)
	for i := 0; i < len(src); i++ {
		switch c := src[i]; c {
		case '\'', '"', '`':
			end := skipString(src, i)
			if end < 0 {
				// unterminated: stop at the end of the line
				end = len(src) - 1
				if nl := strings.IndexByte(src[i:], '\n'); nl >= 0 {
					end = i + nl
				}
			}
			i = end
			continue
		case '/':
			if next := skipComment(src, i); next > i {
				i = next
				continue
			}
		}
		mask[i] = true
	}
	return mask
}

func lineStarts(src string) []int {
	starts := []int{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func position(starts []int, offset int) protocol.Location {
	line := 0
	for line+1 < len(starts) && starts[line+1] <= offset {
		line++
	}
	return protocol.Location{Line: line + 1, Column: offset - starts[line] + 1}
}

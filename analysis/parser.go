// Package analysis extracts imports and test declarations from JavaScript
// and TypeScript sources without executing them.
package analysis

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Parser extracts dependencies from source files.
type Parser struct{}

// NewParser creates a new Parser.
func NewParser() *Parser {
	return &Parser{}
}

var (
	// import ... from '...', across newlines
	importFromRegex = regexp.MustCompile(`import[\s\S]*?from\s+['"]([^'"]+)['"]`)
	// export ... from '...'
	exportFromRegex = regexp.MustCompile(`export[\s\S]*?from\s+['"]([^'"]+)['"]`)
	// import '...'
	importSideEffectRegex = regexp.MustCompile(`import\s+['"]([^'"]+)['"]`)
	// require('...') and import('...')
	requireRegex = regexp.MustCompile(`(?:require|import)\s*\(\s*['"]([^'"]+)['"]\s*\)`)
)

// resolveExtensions are tried in order when resolving an extensionless import.
var resolveExtensions = []string{"", ".ts", ".js", ".tsx", ".jsx", ".mts", ".mjs", "/index.ts", "/index.js", "/index.tsx", "/index.jsx"}

// ImportResult contains resolved and unresolved imports.
type ImportResult struct {
	Resolved   []string
	Unresolved []UnresolvedImport
}

// UnresolvedImport is a relative import whose target does not exist.
type UnresolvedImport struct {
	Path       string // absolute target without extension
	SourcePath string
}

// ParseImports extracts the relative imports of filePath and resolves them
// to files on disk.
func (p *Parser) ParseImports(filePath string) (*ImportResult, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	text := string(content)

	var raw []string
	for _, re := range []*regexp.Regexp{importFromRegex, exportFromRegex, importSideEffectRegex, requireRegex} {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			raw = append(raw, match[1])
		}
	}
	return p.resolvePaths(filePath, raw), nil
}

func (p *Parser) resolvePaths(sourcePath string, imports []string) *ImportResult {
	result := &ImportResult{
		Resolved:   []string{},
		Unresolved: []UnresolvedImport{},
	}
	dir := filepath.Dir(sourcePath)
	seen := make(map[string]bool)

	for _, imp := range imports {
		// bare specifiers live in node_modules
		if !strings.HasPrefix(imp, ".") {
			continue
		}
		absPath := filepath.Join(dir, imp)
		if seen[absPath] {
			continue
		}
		seen[absPath] = true

		if found, ok := p.findFile(absPath); ok {
			result.Resolved = append(result.Resolved, found)
		} else {
			result.Unresolved = append(result.Unresolved, UnresolvedImport{Path: absPath, SourcePath: sourcePath})
		}
	}
	return result
}

// findFile resolves an import target, returning the on-disk spelling so that
// case-insensitive file systems produce stable graph keys.
func (p *Parser) findFile(target string) (string, bool) {
	for _, ext := range resolveExtensions {
		fullPath := target + ext
		info, err := os.Stat(fullPath)
		if err != nil || info.IsDir() {
			continue
		}

		dir, base := filepath.Split(fullPath)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fullPath, true
		}
		for _, entry := range entries {
			if strings.EqualFold(entry.Name(), base) {
				return filepath.Join(dir, entry.Name()), true
			}
		}
		return fullPath, true
	}
	return "", false
}

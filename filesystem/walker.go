package filesystem

import (
	"io/fs"
	"path/filepath"
)

// WalkFunc is called for every entry Walk keeps.
type WalkFunc func(path string, d fs.DirEntry) error

// Walk traverses root and calls fn for root and every entry below it that the
// ignorer keeps. Ignored directories are not entered.
func Walk(root string, ign *Ignorer, fn WalkFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && ign != nil && ign.ShouldIgnore(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(path, d)
	})
}

// TestFiles returns the test files below root in walk order.
func TestFiles(root string, ign *Ignorer) ([]string, error) {
	var files []string
	err := Walk(root, ign, func(path string, d fs.DirEntry) error {
		if !d.IsDir() && IsTestFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

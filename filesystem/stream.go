package filesystem

import "github.com/boyter/gocodewalker"

// StreamFiles walks root in the background, honouring .gitignore and .ignore
// files, and returns a channel of the files found. Installed dependencies are
// never walked even when no ignore file lists them. Walk errors skip the entry.
func StreamFiles(root string) <-chan *gocodewalker.File {
	fileListQueue := make(chan *gocodewalker.File, 100)
	fileWalker := gocodewalker.NewFileWalker(root, fileListQueue)
	fileWalker.ExcludeDirectory = []string{"node_modules", ".git"}
	fileWalker.SetErrorHandler(func(error) bool { return true })

	go func() {
		_ = fileWalker.Start()
	}()

	return fileListQueue
}

package protocol

import (
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

var fileNamespace = uuid.MustParse("7b5d0c7e-3a52-4c41-9d0b-2f6f0f0a1c11")

// FileTaskID returns the id of the file task for a file relative to the
// workspace root. It depends only on the project and the path, so every
// collection pass over the same file yields the same id.
func FileTaskID(project, relPath string) string {
	sum := uuid.NewSHA1(fileNamespace, []byte(project+"\x00"+filepath.ToSlash(relPath)))
	return sum.String()[:10]
}

// ChildTaskID returns the positional id of the index-th child of parent.
func ChildTaskID(parent string, index int) string {
	return parent + "_" + strconv.Itoa(index)
}

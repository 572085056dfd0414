//go:build windows

package runner

import (
	"os/exec"
)

// prepareCommand leaves the default cancellation in place: exec kills the
// direct child only.
func prepareCommand(cmd *exec.Cmd) {}

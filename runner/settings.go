package runner

import "github.com/vitest-dev/vscode-sub001/protocol"

// Settings are runner-wide execution options fixed when the runner is opened.
type Settings struct {
	FileParallelism bool
	// MaxWorkers of 0 leaves the runner default.
	MaxWorkers int
	// DisableTimeouts turns test and hook timeouts off.
	DisableTimeouts bool

	Inspect      string
	BreakOnStart bool
}

// Debugging reports whether the settings describe a debug session.
func (s Settings) Debugging() bool {
	return s.Inspect != ""
}

// SettingsFor returns the settings of a normal session, or of a debug session
// when debug is set. Breakpoints pause the test, so a debug session runs one
// file at a time in a single worker without timeouts.
func SettingsFor(debug *protocol.DebugOptions) Settings {
	if debug == nil {
		return Settings{FileParallelism: true}
	}
	addr := debug.InspectAddr
	if addr == "" {
		addr = "127.0.0.1:9229"
	}
	return Settings{
		FileParallelism: false,
		MaxWorkers:      1,
		DisableTimeouts: true,
		Inspect:         addr,
		BreakOnStart:    debug.BreakOnStart,
	}
}

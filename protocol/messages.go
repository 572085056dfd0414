package protocol

// Methods the explorer calls on the worker.
const (
	MethodGetFiles              = "getFiles"
	MethodCollectTests          = "collectTests"
	MethodRunTests              = "runTests"
	MethodUpdateSnapshots       = "updateSnapshots"
	MethodCancelRun             = "cancelRun"
	MethodWatchTests            = "watchTests"
	MethodUnwatchTests          = "unwatchTests"
	MethodEnableCoverage        = "enableCoverage"
	MethodDisableCoverage       = "disableCoverage"
	MethodWaitForCoverageReport = "waitForCoverageReport"
	MethodOnFilesChanged        = "onFilesChanged"
	MethodOnFilesCreated        = "onFilesCreated"
	MethodDispose               = "dispose"
)

// Events the worker emits to the explorer.
const (
	EventConsoleLog   = "onConsoleLog"
	EventTaskUpdate   = "onTaskUpdate"
	EventTestRunStart = "onTestRunStart"
	EventTestRunEnd   = "onTestRunEnd"
	EventCollected    = "onCollected"
	EventProcessLog   = "onProcessLog"
)

// InitPayload is delivered once per worker process lifetime.
type InitPayload struct {
	RunnerModule  string            `json:"runnerModule"`
	RunnerVersion string            `json:"runnerVersion,omitempty"`
	ConfigFile    string            `json:"configFile,omitempty"`
	Workspace     string            `json:"workspace"`
	Projects      []string          `json:"projects,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Debug         *DebugOptions     `json:"debug,omitempty"`
	CoverageDir   string            `json:"coverageDir,omitempty"`
}

// DebugOptions turns the worker into a single debug run.
type DebugOptions struct {
	InspectAddr  string `json:"inspectAddr,omitempty"`
	BreakOnStart bool   `json:"breakOnStart,omitempty"`
}

// ReadyPayload answers InitPayload once the runner is loaded.
type ReadyPayload struct {
	ConfigFiles   []string `json:"configFiles"`
	MultiProject  bool     `json:"multiProject"`
	RunnerVersion string   `json:"runnerVersion,omitempty"`
}

// ErrorPayload is the serializable form of an error crossing the process
// boundary.
type ErrorPayload struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// NewErrorPayload converts err.
func NewErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	return &ErrorPayload{Name: "Error", Message: err.Error()}
}

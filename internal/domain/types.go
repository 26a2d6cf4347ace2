package domain

// BuildSystem identifies the build tool family of a repository
type BuildSystem string

const (
	BuildMaven  BuildSystem = "maven"
	BuildGradle BuildSystem = "gradle"
)

// Manifest returns the build file name for the build system
func (b BuildSystem) Manifest() string {
	switch b {
	case BuildMaven:
		return "pom.xml"
	case BuildGradle:
		return "build.gradle"
	}
	return ""
}

// State represents a step of the PR verification lifecycle
type State string

const (
	StateSetup             State = "setup"
	StateDetected          State = "detected"
	StateTestsChecked      State = "tests_checked"
	StateCompiled          State = "compiled"
	StateTested            State = "tested"
	StateCoverageGenerated State = "coverage_generated"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transition can leave the state
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// AttemptStatus represents the ledger state of one PR attempt
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
)

// RunStatus represents the execution state of a batch run
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// Fixed reasons stored on entries that did not fail
const (
	ReasonInProgress   = "Was still being processed"
	ReasonValid        = "Valid PR!"
	ReasonValidNonCode = "Valid PR! But isn't code related though."
)

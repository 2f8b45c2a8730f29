// Package supervisor runs one external process, streams its merged output
// through a classifier and signals readiness exactly once.
package supervisor

// State represents the lifecycle position of a supervised process.
type State int

const (
	// StateCreated is the initial state before the process has been spawned.
	StateCreated State = iota

	// StateBuilding means the process is running but has not reported ready.
	StateBuilding

	// StateReady means the ready marker has been seen.
	StateReady

	// StateTerminated means the process has exited or could not be started.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsRunning returns true while the process is alive.
func (s State) IsRunning() bool {
	return s == StateBuilding || s == StateReady
}

// IsTerminal returns true once the process is gone.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

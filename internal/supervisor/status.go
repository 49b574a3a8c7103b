package supervisor

// State is the supervisor's lifecycle position.
//
//	Idle -> Starting -> Running -> Terminating -> Idle
//
// A failed launch goes from Starting straight back to Idle, and a process
// that exits on its own goes from Running straight to Idle.
type State int

const (
	// StateIdle means no process is attached.
	StateIdle State = iota
	// StateStarting means the executable is being resolved and spawned.
	StateStarting
	// StateRunning means the process is live and accepts writes.
	StateRunning
	// StateTerminating means Stop is waiting for the process to exit.
	StateTerminating
)

// String returns a human-readable string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

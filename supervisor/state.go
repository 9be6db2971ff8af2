package supervisor

// State is a run's lifecycle state. Transitions are linear:
// Created, Starting, Running, then one terminal state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Completed, Aborted or Failed.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

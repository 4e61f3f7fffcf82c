package controller

// State is the lifecycle state of a Controller.
type State int

// Controller states. Terminated and Failed are final.
const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateTerminated
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Final reports whether no further transition can happen.
func (s State) Final() bool {
	return s == StateTerminated || s == StateFailed
}

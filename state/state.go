// Package state defines the canonical task lifecycle: the states a Task can
// be in, and the transitions an ExecutionBackend is allowed to make between
// them.
package state

// State is one of the canonical lifecycle states a Task can occupy.
type State int

const (
	// Unspecified is never a task's actual state; it guards against a
	// zero-value State being mistaken for NEW.
	Unspecified State = iota
	// New means the task was constructed but never submitted.
	New
	// Submitted means the task was accepted by the scheduler but not yet
	// observed running (queued, staging, or preparing).
	Submitted
	// Running means the task is observed executing on the remote side,
	// inclusive of epilogue stages the scheduler still reports as activity.
	Running
	// Stopped means the task is user-held or admin-suspended remotely.
	Stopped
	// Terminating means remote execution is over but outputs have not yet
	// been fetched down.
	Terminating
	// Terminated is the terminal state: outputs fetched (or explicitly
	// declined) and exit status finalized.
	Terminated
	// Unknown means the scheduler cannot presently answer questions about
	// the task; always transient, must be retried.
	Unknown
)

// String returns a human-readable label for the state.
func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Submitted:
		return "SUBMITTED"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	case Terminating:
		return "TERMINATING"
	case Terminated:
		return "TERMINATED"
	case Unknown:
		return "UNKNOWN"
	default:
		return "UNSPECIFIED"
	}
}

// Terminal reports whether s is TERMINATED — no further transitions are
// permitted out of it.
func (s State) Terminal() bool {
	return s == Terminated
}

// transitions enumerates every permitted (from, to) pair per spec §4.3.
// UNKNOWN can move to any state (it is always a retry condition); nothing
// moves out of TERMINATED.
var transitions = map[State]map[State]bool{
	New: {
		Submitted: true,
	},
	Submitted: {
		Running:     true,
		Terminating: true,
		Unknown:     true,
	},
	Running: {
		Submitted:   true,
		Terminating: true,
		Unknown:     true,
	},
	Stopped: {
		Terminating: true,
		Unknown:     true,
	},
	Terminating: {
		Terminated: true,
	},
	Unknown: {
		New:         true,
		Submitted:   true,
		Running:     true,
		Stopped:     true,
		Terminating: true,
		Terminated:  true,
	},
	Terminated: {},
}

// CanTransition reports whether moving from -> to is a permitted transition.
// Cancellation is handled by callers as a direct move to TERMINATED and is
// always permitted from any non-terminal state; CanTransition itself only
// encodes the table above.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// CanCancel reports whether a task in state s may be moved directly to
// TERMINATED by a Cancel call, bypassing the normal table above.
func CanCancel(s State) bool {
	return s != Terminated
}

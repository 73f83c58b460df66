// Package task defines the data model a gridrunner back-end operates on: the
// Task record, its resource request, its return code, and its append-only
// history of state transitions.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/alphauslabs/gridrunner/state"
)

// Requested holds the resources a task asks for. Zero values mean
// "unspecified" and are left to the back-end's own defaults.
type Requested struct {
	Cores         int
	MemoryPerCore int64 // MiB
	WallTime      time.Duration
}

// ReturnCode is the exit status of a finished task. It is populated only once
// the task reaches TERMINATING, per invariant (c).
type ReturnCode struct {
	Signal int
	Exit   int
}

// OK reports whether the task exited cleanly: no signal and a zero exit code.
func (r ReturnCode) OK() bool {
	return r.Signal == 0 && r.Exit == 0
}

// BackendHandle is the back-end's own identifier for a submitted task (a
// queue job ID for a batch back-end, or a VM ID + child handle for a cloud
// back-end). It is opaque to everything outside the back-end that issued it.
type BackendHandle struct {
	Kind string // e.g. "pbs", "sge", "lsf", "ec2", "openstack"
	ID   string
}

func (h BackendHandle) String() string {
	if h.ID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", h.Kind, h.ID)
}

// HistoryEntry records one observed state transition.
type HistoryEntry struct {
	From      state.State
	To        state.State
	At        time.Time // UTC; zero value means the native timestamp was unreliable
	Note      string    // e.g. "timestamp unknown"
	NativeMsg string    // raw scheduler/provider message, if any
}

// Task is the unit of work a back-end submits, tracks, and terminates.
//
// Invariants (spec.md §3):
//
//	(a) once State == TERMINATED, every field but History is frozen.
//	(b) Handle is populated iff State is one of SUBMITTED, RUNNING, STOPPED,
//	    TERMINATING, TERMINATED.
//	(c) ReturnCode is populated iff State is TERMINATING or TERMINATED, and is
//	    itself frozen from TERMINATING onward unless a retry explicitly
//	    recomputes it (a retry first moves State back out of TERMINATING).
type Task struct {
	ID      string
	State   state.State
	Handle  BackendHandle
	Request Requested

	// Command is the program and arguments to run.
	Command []string
	// Env is additional environment passed to Command.
	Env map[string]string
	// Inputs/Outputs are data URLs to stage in before submission and fetch
	// back after termination; see dataurl.ValidateData.
	Inputs  map[string]string // local relative path -> source URL
	Outputs map[string]string // local relative path -> destination URL, "" means fetch to caller

	ReturnCode *ReturnCode
	History    []HistoryEntry
}

// New constructs a Task in state NEW with a freshly generated ID.
func New(command []string, req Requested) *Task {
	return &Task{
		ID:      uuid.NewString(),
		State:   state.New,
		Request: req,
		Command: command,
		Env:     map[string]string{},
		Inputs:  map[string]string{},
		Outputs: map[string]string{},
	}
}

// Transition moves t from its current state to next, appending a History
// entry and enforcing invariants (a)-(c). at should be UTC; pass the zero
// time.Time when the native timestamp is unreliable — Transition then records
// "timestamp unknown" on the history entry.
func (t *Task) Transition(next state.State, at time.Time, nativeMsg string) error {
	if t.State.Terminal() {
		return fmt.Errorf("task %s: cannot transition out of TERMINATED", t.ID)
	}
	if !state.CanTransition(t.State, next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.State, next)
	}

	entry := HistoryEntry{From: t.State, To: next, At: at.UTC(), NativeMsg: nativeMsg}
	if at.IsZero() {
		entry.Note = "timestamp unknown"
	}
	t.History = append(t.History, entry)
	t.State = next

	switch next {
	case state.Submitted, state.Running, state.Stopped, state.Terminating, state.Terminated:
		// handle should already be set by the caller before Submitted; leave
		// it untouched here — invariant (b) is the caller's responsibility at
		// Submit time.
	case state.Unknown:
		// Handle is kept: UNKNOWN is a transient excursion (a probe failed or
		// was ambiguous), and the back-end must still be able to re-probe the
		// same native job to find its way back out, per §4.3's UNKNOWN -> any
		// transition.
	default:
		t.Handle = BackendHandle{}
	}
	return nil
}

// SetHandle sets the back-end handle. It is rejected while the task is NEW
// or UNKNOWN (invariant b), so a back-end submitting a NEW task assigns
// t.Handle directly before its transition into SUBMITTED.
func (t *Task) SetHandle(h BackendHandle) error {
	if t.State == state.New || t.State == state.Unknown {
		return fmt.Errorf("task %s: cannot set handle in state %s", t.ID, t.State)
	}
	t.Handle = h
	return nil
}

// SetReturnCode records the task's exit status. Only valid once State is
// TERMINATING or TERMINATED (invariant c). Calling it again once State is
// TERMINATED is rejected unless the caller first moves the task out of
// TERMINATING via a retry transition.
func (t *Task) SetReturnCode(rc ReturnCode) error {
	if t.State != state.Terminating && t.State != state.Terminated {
		return fmt.Errorf("task %s: cannot set return code in state %s", t.ID, t.State)
	}
	if t.State == state.Terminated && t.ReturnCode != nil {
		return fmt.Errorf("task %s: return code already frozen", t.ID)
	}
	rc2 := rc
	t.ReturnCode = &rc2
	return nil
}

// Cancel force-terminates t regardless of its current (non-terminal) state,
// per spec.md §4.3's cancellation rule.
func (t *Task) Cancel(at time.Time, nativeMsg string) error {
	if !state.CanCancel(t.State) {
		return fmt.Errorf("task %s: already terminated", t.ID)
	}
	entry := HistoryEntry{From: t.State, To: state.Terminated, At: at.UTC(), NativeMsg: nativeMsg}
	if at.IsZero() {
		entry.Note = "timestamp unknown"
	}
	t.History = append(t.History, entry)
	t.State = state.Terminated
	if t.ReturnCode == nil {
		t.ReturnCode = &ReturnCode{Signal: -1}
	}
	return nil
}

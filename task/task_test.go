package task

import (
	"testing"
	"time"

	"github.com/alphauslabs/gridrunner/state"
)

func newTestTask() *Task {
	return New([]string{"echo", "hi"}, Requested{Cores: 1})
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	tk := newTestTask()
	if tk.ID == "" {
		t.Fatal("New() produced an empty ID")
	}
	if tk.State != state.New {
		t.Errorf("New() state = %s, want NEW", tk.State)
	}
	if len(tk.History) != 0 {
		t.Errorf("New() history = %v, want empty", tk.History)
	}
}

func TestNew_DistinctIDs(t *testing.T) {
	a := newTestTask()
	b := newTestTask()
	if a.ID == b.ID {
		t.Errorf("two New() tasks shared ID %q", a.ID)
	}
}

// ---------------------------------------------------------------------------
// Transition
// ---------------------------------------------------------------------------

func TestTransition_Legal(t *testing.T) {
	tk := newTestTask()
	now := time.Now().UTC()
	if err := tk.Transition(state.Submitted, now, "queued"); err != nil {
		t.Fatalf("Transition(NEW->SUBMITTED): %v", err)
	}
	if tk.State != state.Submitted {
		t.Errorf("state = %s, want SUBMITTED", tk.State)
	}
	if len(tk.History) != 1 {
		t.Fatalf("history len = %d, want 1", len(tk.History))
	}
	entry := tk.History[0]
	if entry.From != state.New || entry.To != state.Submitted {
		t.Errorf("history entry = %+v, want From=NEW To=SUBMITTED", entry)
	}
	if entry.Note != "" {
		t.Errorf("history entry.Note = %q, want empty for a non-zero timestamp", entry.Note)
	}
}

func TestTransition_ZeroTimeRecordsNote(t *testing.T) {
	tk := newTestTask()
	if err := tk.Transition(state.Submitted, time.Time{}, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if tk.History[0].Note != "timestamp unknown" {
		t.Errorf("Note = %q, want %q", tk.History[0].Note, "timestamp unknown")
	}
}

func TestTransition_Illegal(t *testing.T) {
	tk := newTestTask()
	if err := tk.Transition(state.Running, time.Now(), ""); err == nil {
		t.Error("Transition(NEW->RUNNING) succeeded, want error")
	}
	if tk.State != state.New {
		t.Errorf("state mutated on illegal transition: %s", tk.State)
	}
}

func TestTransition_OutOfTerminatedRejected(t *testing.T) {
	tk := newTestTask()
	tk.Transition(state.Submitted, time.Now(), "")
	tk.Transition(state.Terminating, time.Now(), "")
	tk.Transition(state.Terminated, time.Now(), "")

	if err := tk.Transition(state.Unknown, time.Now(), ""); err == nil {
		t.Error("Transition out of TERMINATED succeeded, want error")
	}
}

func TestTransition_PreservesHandleThroughUnknown(t *testing.T) {
	tk := newTestTask()
	tk.Transition(state.Submitted, time.Now(), "")
	tk.SetHandle(BackendHandle{Kind: "pbs", ID: "123"})
	if tk.Handle.ID == "" {
		t.Fatal("SetHandle did not set the handle")
	}

	tk.Transition(state.Unknown, time.Now(), "")
	if tk.Handle.ID != "123" {
		t.Errorf("Handle = %+v after an UNKNOWN excursion, want preserved so the back-end can retry the probe", tk.Handle)
	}

	tk.Transition(state.Running, time.Now(), "")
	if tk.Handle.ID != "123" {
		t.Errorf("Handle = %+v after recovering from UNKNOWN, want still %q", tk.Handle, "123")
	}
}

func TestTransition_ClearsHandleReturningToNew(t *testing.T) {
	tk := newTestTask()
	tk.Transition(state.Submitted, time.Now(), "")
	tk.SetHandle(BackendHandle{Kind: "pbs", ID: "123"})

	tk.Transition(state.Unknown, time.Now(), "")
	tk.Transition(state.New, time.Now(), "")
	if tk.Handle.ID != "" {
		t.Errorf("Handle = %+v after returning to NEW, want cleared", tk.Handle)
	}
}

// ---------------------------------------------------------------------------
// SetHandle
// ---------------------------------------------------------------------------

func TestSetHandle_RequiresActiveState(t *testing.T) {
	tk := newTestTask()
	if err := tk.SetHandle(BackendHandle{Kind: "pbs", ID: "1"}); err == nil {
		t.Error("SetHandle on a NEW task succeeded, want error")
	}
}

func TestBackendHandle_String(t *testing.T) {
	h := BackendHandle{Kind: "pbs", ID: "123.frontend"}
	if got, want := h.String(), "pbs:123.frontend"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := (BackendHandle{}).String(); got != "" {
		t.Errorf("empty handle String() = %q, want empty", got)
	}
}

// ---------------------------------------------------------------------------
// SetReturnCode
// ---------------------------------------------------------------------------

func TestSetReturnCode_FrozenAfterTerminated(t *testing.T) {
	tk := newTestTask()
	tk.Transition(state.Submitted, time.Now(), "")
	tk.Transition(state.Terminating, time.Now(), "")
	if err := tk.SetReturnCode(ReturnCode{Exit: 0}); err != nil {
		t.Fatalf("SetReturnCode at TERMINATING: %v", err)
	}
	tk.Transition(state.Terminated, time.Now(), "")

	if err := tk.SetReturnCode(ReturnCode{Exit: 1}); err == nil {
		t.Error("SetReturnCode after TERMINATED succeeded, want error")
	}
	if tk.ReturnCode.Exit != 0 {
		t.Errorf("ReturnCode mutated after TERMINATED: %+v", tk.ReturnCode)
	}
}

func TestReturnCode_OK(t *testing.T) {
	cases := []struct {
		rc   ReturnCode
		want bool
	}{
		{ReturnCode{Signal: 0, Exit: 0}, true},
		{ReturnCode{Signal: 0, Exit: 1}, false},
		{ReturnCode{Signal: 9, Exit: 0}, false},
	}
	for _, c := range cases {
		if got := c.rc.OK(); got != c.want {
			t.Errorf("ReturnCode%+v.OK() = %v, want %v", c.rc, got, c.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel_FromActiveState(t *testing.T) {
	tk := newTestTask()
	tk.Transition(state.Submitted, time.Now(), "")
	if err := tk.Cancel(time.Now(), "cancelled by user"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tk.State != state.Terminated {
		t.Errorf("state = %s, want TERMINATED", tk.State)
	}
}

func TestCancel_AlreadyTerminated(t *testing.T) {
	tk := newTestTask()
	tk.Transition(state.Submitted, time.Now(), "")
	tk.Transition(state.Terminating, time.Now(), "")
	tk.Transition(state.Terminated, time.Now(), "")

	if err := tk.Cancel(time.Now(), ""); err == nil {
		t.Error("Cancel on a TERMINATED task succeeded, want error")
	}
}

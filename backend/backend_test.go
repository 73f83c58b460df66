package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/alphauslabs/gridrunner/task"
)

type nopBackend struct{}

func (nopBackend) Submit(ctx context.Context, t *task.Task) error      { return nil }
func (nopBackend) UpdateState(ctx context.Context, t *task.Task) error { return nil }
func (nopBackend) Cancel(ctx context.Context, t *task.Task) error      { return nil }
func (nopBackend) Free(ctx context.Context, t *task.Task) error        { return nil }
func (nopBackend) GetResults(ctx context.Context, t *task.Task, dir string, overwrite, changedOnly bool) error {
	return nil
}
func (nopBackend) Peek(ctx context.Context, t *task.Task, remoteFile string, maxBytes int64) ([]byte, error) {
	return nil, nil
}
func (nopBackend) GetResourceStatus(ctx context.Context) (ResourceStatus, error) {
	return ResourceStatus{}, nil
}
func (nopBackend) ValidateData(scheme string) bool { return scheme == "file" }
func (nopBackend) Close() error                    { return nil }

// ---------------------------------------------------------------------------
// Register / New
// ---------------------------------------------------------------------------

func TestRegister_And_New(t *testing.T) {
	Register("test-nop", func(cfg map[string]string) (ExecutionBackend, error) {
		return nopBackend{}, nil
	})
	b, err := New("test-nop", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b == nil {
		t.Fatal("New() returned a nil backend")
	}
}

func TestNew_UnregisteredName(t *testing.T) {
	if _, err := New("does-not-exist", nil); err == nil {
		t.Error("New() with an unregistered name succeeded, want error")
	}
}

func TestNew_PropagatesFactoryError(t *testing.T) {
	boom := errors.New("bad config")
	Register("test-failing", func(cfg map[string]string) (ExecutionBackend, error) {
		return nil, boom
	})
	_, err := New("test-failing", nil)
	if !errors.Is(err, boom) {
		t.Errorf("New() error = %v, want to wrap %v", err, boom)
	}
}

// ---------------------------------------------------------------------------
// IsRecoverable
// ---------------------------------------------------------------------------

func TestIsRecoverable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"recoverable auth", &AuthError{Recoverable: true, Err: errors.New("x")}, true},
		{"unrecoverable auth", &AuthError{Recoverable: false, Err: errors.New("x")}, false},
		{"recoverable data staging", &DataStagingError{Recoverable: true, Err: errors.New("x")}, true},
		{"unrecoverable data staging", &DataStagingError{Recoverable: false, Err: errors.New("x")}, false},
		{"unflagged error", &ConfigurationError{Key: "k", Err: errors.New("x")}, false},
		{"plain error", errors.New("plain"), false},
		{"transport error", &TransportError{Op: "dial", Err: errors.New("x")}, true},
		{"resource not ready", &ResourceNotReadyError{Reason: "booting"}, true},
	}
	for _, c := range cases {
		if got := IsRecoverable(c.err); got != c.want {
			t.Errorf("%s: IsRecoverable() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestErrorTypes_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	cases := []error{
		&ConfigurationError{Key: "k", Err: inner},
		&AuthError{Err: inner},
		&TransportError{Op: "dial", Err: inner},
		&SubmitError{Err: inner},
		&UnknownJobStateError{Err: inner},
		&DataStagingError{Err: inner},
	}
	for _, err := range cases {
		if !errors.Is(err, inner) {
			t.Errorf("%T does not unwrap to its inner error", err)
		}
	}
}

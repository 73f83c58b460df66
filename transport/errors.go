package transport

import (
	"errors"
	"fmt"
)

var errEmptyCommand = errors.New("empty command")

// TransportError wraps any failure reaching or operating on the remote side.
// batchbackend returns these to its callers unchanged; this is a distinct
// type from backend.TransportError, which backend.IsRecoverable checks for.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError wraps an SSH authentication failure. Recoverable is always false
// here: by the time Connect fails, every available auth method (agent, then
// identity file) has already been exhausted.
type AuthError struct {
	Recoverable bool
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh authentication failed (recoverable=%v): %v", e.Recoverable, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

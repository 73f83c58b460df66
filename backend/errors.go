package backend

import (
	"errors"
	"fmt"
)

// ConfigurationError wraps a problem found while validating a back-end's
// configuration (a missing or malformed key). It is always unrecoverable.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %q: %v", e.Key, e.Err)
}
func (e *ConfigurationError) Unwrap() error { return e.Err }

// AuthError wraps an authentication/authorization failure. Recoverable is
// true when the caller may plausibly retry (e.g. a transient agent-socket
// hiccup); false when retrying cannot help (bad credentials, revoked key).
type AuthError struct {
	Recoverable bool
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (recoverable=%v): %v", e.Recoverable, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

// TransportError wraps a failure reaching the remote side (SSH dial, exec
// channel, SFTP session). Always treated as potentially transient by
// callers; the back-end itself does not retry it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// SubmitError wraps a failure during Submit after the point where a native
// job/VM was possibly created; callers must not assume the task is NEW.
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string { return fmt.Sprintf("submit: %v", e.Err) }
func (e *SubmitError) Unwrap() error { return e.Err }

// ResourceNotReadyError means the back-end currently has no capacity to
// accept the task but may later (distinct from CapacityReachedError, which
// is a hard ceiling).
type ResourceNotReadyError struct {
	Reason string
}

func (e *ResourceNotReadyError) Error() string {
	return fmt.Sprintf("resource not ready: %s", e.Reason)
}

// CapacityReachedError means the back-end has hit a configured hard limit
// (max VMs, max concurrent jobs) and will not accept more work until
// something frees up.
type CapacityReachedError struct {
	Limit string
}

func (e *CapacityReachedError) Error() string {
	return fmt.Sprintf("capacity reached: %s", e.Limit)
}

// UnknownJobStateError means the back-end could not determine a task's state
// this round (the scheduler/provider didn't answer, or its answer didn't
// parse). Callers should treat the task as state.Unknown and retry later.
type UnknownJobStateError struct {
	Err error
}

func (e *UnknownJobStateError) Error() string { return fmt.Sprintf("unknown job state: %v", e.Err) }
func (e *UnknownJobStateError) Unwrap() error { return e.Err }

// InstanceNotFoundError means a cloud back-end's VM handle no longer refers
// to a live instance (terminated out-of-band, or never existed).
type InstanceNotFoundError struct {
	InstanceID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("instance not found: %s", e.InstanceID)
}

// DataStagingError wraps a failure staging inputs in or outputs out.
// Recoverable distinguishes a transient transfer failure from a permanent
// one (source object does not exist, destination is not writable).
type DataStagingError struct {
	Recoverable bool
	Path        string
	Err         error
}

func (e *DataStagingError) Error() string {
	return fmt.Sprintf("data staging %q (recoverable=%v): %v", e.Path, e.Recoverable, e.Err)
}
func (e *DataStagingError) Unwrap() error { return e.Err }

// IsRecoverable reports whether retrying the operation that produced err
// might succeed. AuthError and DataStagingError carry an explicit
// Recoverable flag; TransportError and ResourceNotReadyError are always
// recoverable by default (spec.md §7). Every other error is treated as not
// recoverable.
func IsRecoverable(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Recoverable
	}
	var de *DataStagingError
	if errors.As(err, &de) {
		return de.Recoverable
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var re *ResourceNotReadyError
	if errors.As(err, &re) {
		return true
	}
	return false
}

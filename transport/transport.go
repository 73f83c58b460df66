// Package transport abstracts "run a command and move files" over either
// the local machine or a remote host reached via SSH, per spec.md §4.1. A
// batch back-end is configured with exactly one Transport and never talks to
// exec/ssh/sftp packages directly.
package transport

import (
	"context"
	"io"
	"os"
)

// FileInfo is the subset of remote file metadata batchbackend needs: enough to support changedOnly semantics in GetResults without
// depending on any particular transport's native stat type.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime int64 // unix seconds
	IsDir   bool
}

// Transport is everything a batch back-end needs to reach its frontend,
// generalized from original_source/backends/transport.py and grounded on the
// teacher's pack for the SSH implementation (see transport/ssh.go).
type Transport interface {
	// Connect establishes the underlying connection. Local's Connect is a
	// no-op; SSH's dials and authenticates.
	Connect(ctx context.Context) error
	// Close releases the connection. Idempotent.
	Close() error

	// Exec runs cmd (already a fully split argv) and returns its captured
	// stdout and stderr in full — no streaming, matching the teacher's and
	// original's synchronous exec model.
	Exec(ctx context.Context, cmd []string) (stdout, stderr []byte, exitCode int, err error)

	// IsDir reports whether path exists and is a directory.
	IsDir(ctx context.Context, path string) (bool, error)
	// ListDir lists the immediate children of path.
	ListDir(ctx context.Context, path string) ([]FileInfo, error)
	// MakeDirs creates path and any missing parents, like os.MkdirAll.
	MakeDirs(ctx context.Context, path string) error

	// Put copies local file src to remote path dst, creating any
	// intermediate remote directories first.
	Put(ctx context.Context, src string, dst string) error
	// Get copies remote file src to local path dst. If ignoreMissing is
	// true and src does not exist, Get returns nil without creating dst.
	Get(ctx context.Context, src string, dst string, ignoreMissing bool) error
	// Open opens remote path src for reading, e.g. for Peek's tail read.
	Open(ctx context.Context, src string) (io.ReadCloser, error)

	// Remove deletes a single remote file.
	Remove(ctx context.Context, path string) error
	// RemoveTree recursively deletes a remote directory.
	RemoveTree(ctx context.Context, path string) error
	// Chmod sets remote file permissions.
	Chmod(ctx context.Context, path string, mode os.FileMode) error
}

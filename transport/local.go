package transport

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// Local executes everything on the machine gridrunner itself runs on. It is
// the Transport used when a back-end's transport key is "local", generalizing
// original_source/backends/fork.py's Transport-less local execution
// back-end into the same interface SSH satisfies.
type Local struct{}

// NewLocal constructs a Local transport. There is no state to hold.
func NewLocal() *Local { return &Local{} }

func (l *Local) Connect(ctx context.Context) error { return nil }
func (l *Local) Close() error                      { return nil }

func (l *Local) Exec(ctx context.Context, cmd []string) ([]byte, []byte, int, error) {
	if len(cmd) == 0 {
		return nil, nil, -1, &TransportError{Op: "exec", Err: errEmptyCommand}
	}
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			return stdout.Bytes(), stderr.Bytes(), -1, &TransportError{Op: "exec", Err: err}
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

func (l *Local) IsDir(ctx context.Context, path string) (bool, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, &TransportError{Op: "stat", Err: err}
	}
	return fi.IsDir(), nil
}

func (l *Local) ListDir(ctx context.Context, path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &TransportError{Op: "readdir", Err: err}
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime().Unix(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (l *Local) MakeDirs(ctx context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &TransportError{Op: "mkdirall", Err: err}
	}
	return nil
}

func (l *Local) Put(ctx context.Context, src, dst string) error {
	if err := l.MakeDirs(ctx, filepath.Dir(dst)); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return &TransportError{Op: "put-open-src", Err: err}
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return &TransportError{Op: "put-create-dst", Err: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return &TransportError{Op: "put-copy", Err: err}
	}
	return nil
}

func (l *Local) Get(ctx context.Context, src, dst string, ignoreMissing bool) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) && ignoreMissing {
			return nil
		}
		return &TransportError{Op: "get-open-src", Err: err}
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &TransportError{Op: "get-mkdir-dst", Err: err}
	}
	out, err := os.Create(dst)
	if err != nil {
		return &TransportError{Op: "get-create-dst", Err: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return &TransportError{Op: "get-copy", Err: err}
	}
	return nil
}

func (l *Local) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	return f, nil
}

func (l *Local) Remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

func (l *Local) RemoveTree(ctx context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return &TransportError{Op: "removetree", Err: err}
	}
	return nil
}

func (l *Local) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return &TransportError{Op: "chmod", Err: err}
	}
	return nil
}

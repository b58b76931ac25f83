// Package sink provides local queue.Sink implementations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"download-queue/internal/queue"
)

// ErrExists is returned when a file destination already exists and Overwrite
// is not set.
var ErrExists = errors.New("sink: destination exists")

const partSuffix = ".part"

// File writes to Path through a uniquely named "<name>.*.part" file in the same
// directory. The partial file is moved into place on commit and removed on
// abort. Concurrent sinks for one path never share a partial file; without
// Overwrite only the first commit wins.
type File struct {
	Path      string
	Overwrite bool
	// KeepPartial leaves the partial file in place on abort. Partial files are
	// removed by default.
	KeepPartial bool
}

func NewFile(path string, overwrite bool) *File {
	return &File{Path: path, Overwrite: overwrite}
}

func (f *File) String() string { return f.Path }

// Open implements queue.Sink.
func (f *File) Open(ctx context.Context) (queue.SinkWriter, error) {
	if f.Path == "" {
		return nil, fmt.Errorf("sink: empty path")
	}
	if !f.Overwrite {
		if _, err := os.Stat(f.Path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, f.Path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat destination: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}

	out, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*"+partSuffix)
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}
	if err := out.Chmod(0o644); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, fmt.Errorf("chmod partial file: %w", err)
	}
	return &fileWriter{sink: f, file: out, part: out.Name()}, nil
}

type fileWriter struct {
	sink *File
	file *os.File
	part string
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.file.Write(p) }

func (w *fileWriter) Commit() error {
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	if !w.sink.Overwrite {
		return w.publish()
	}
	if err := os.Rename(w.part, w.sink.Path); err != nil {
		_ = os.Remove(w.part)
		return fmt.Errorf("rename partial file: %w", err)
	}
	return nil
}

// publish moves the partial file into place unless the destination exists.
// A hard link fails atomically on an existing destination; filesystems without
// links fall back to a check followed by a rename.
func (w *fileWriter) publish() error {
	err := os.Link(w.part, w.sink.Path)
	switch {
	case err == nil:
		_ = os.Remove(w.part)
		return nil
	case errors.Is(err, fs.ErrExist):
		_ = os.Remove(w.part)
		return fmt.Errorf("%w: %s", ErrExists, w.sink.Path)
	}

	if _, err := os.Stat(w.sink.Path); err == nil {
		_ = os.Remove(w.part)
		return fmt.Errorf("%w: %s", ErrExists, w.sink.Path)
	}
	if err := os.Rename(w.part, w.sink.Path); err != nil {
		_ = os.Remove(w.part)
		return fmt.Errorf("rename partial file: %w", err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	closeErr := w.file.Close()
	if w.sink.KeepPartial {
		return closeErr
	}
	if err := os.Remove(w.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(closeErr, fmt.Errorf("remove partial file: %w", err))
	}
	return nil
}

var _ queue.Sink = (*File)(nil)

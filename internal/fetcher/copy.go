package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"download-queue/internal/queue"
)

// DefaultChunkSize is the copy buffer size used when a task does not set one.
const DefaultChunkSize = 1 << 10

// ErrShortBody is returned when the source ended before the announced length.
var ErrShortBody = errors.New("fetcher: body shorter than announced length")

// deliver copies r into sink in chunks of chunkSize bytes. The sink writer is
// committed on success and aborted otherwise. expected < 0 means unknown.
func deliver(ctx context.Context, sink queue.Sink, r io.Reader, chunkSize int, expected int64, progress func(done, total int64)) (int64, error) {
	w, err := sink.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open sink %s: %w", sink, err)
	}

	n, err := copyChunked(ctx, w, r, chunkSize, expected, progress)
	if err == nil && expected >= 0 && n < expected {
		err = fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, expected)
	}
	if err != nil {
		if aerr := w.Abort(); aerr != nil {
			err = errors.Join(err, fmt.Errorf("abort sink %s: %w", sink, aerr))
		}
		return n, err
	}
	if err := w.Commit(); err != nil {
		return n, fmt.Errorf("commit sink %s: %w", sink, err)
	}
	return n, nil
}

func copyChunked(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int, total int64, progress func(done, total int64)) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write: %w", werr)
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read: %w", rerr)
		}
	}
}

// progressLogger returns a throttled progress callback logging at debug level.
func progressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total <= 0 {
			logger.Debugf("download progress: %s", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Debugf("download progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

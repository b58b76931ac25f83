package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"download-queue/internal/queue"
)

// Writer streams into a caller supplied io.Writer. When CloseOnCommit is set
// and W implements io.Closer it is closed after a successful transfer.
type Writer struct {
	W             io.Writer
	Name          string
	CloseOnCommit bool

	once sync.Once
}

func NewWriter(name string, w io.Writer, closeOnCommit bool) *Writer {
	return &Writer{W: w, Name: name, CloseOnCommit: closeOnCommit}
}

func (s *Writer) String() string {
	if s.Name == "" {
		return "writer"
	}
	return s.Name
}

// Open implements queue.Sink. A Writer can be opened once.
func (s *Writer) Open(ctx context.Context) (queue.SinkWriter, error) {
	if s.W == nil {
		return nil, fmt.Errorf("sink: nil writer")
	}
	opened := false
	s.once.Do(func() { opened = true })
	if !opened {
		return nil, fmt.Errorf("sink: writer %s already used", s)
	}
	return &streamWriter{sink: s}, nil
}

type streamWriter struct {
	sink *Writer
}

func (w *streamWriter) Write(p []byte) (int, error) { return w.sink.W.Write(p) }

func (w *streamWriter) Commit() error {
	if !w.sink.CloseOnCommit {
		return nil
	}
	if c, ok := w.sink.W.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close writer: %w", err)
		}
	}
	return nil
}

func (w *streamWriter) Abort() error { return nil }

var _ queue.Sink = (*Writer)(nil)

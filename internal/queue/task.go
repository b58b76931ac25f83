package queue

import (
	"context"
	"io"
	"maps"
	"time"
)

// TransferOptions configures a single transfer.
type TransferOptions struct {
	Headers   map[string]string
	Cookies   map[string]string
	Params    map[string]string
	ChunkSize int
	// Timeout bounds the whole transfer. Zero means no deadline.
	Timeout time.Duration
}

func (o TransferOptions) clone() TransferOptions {
	o.Headers = maps.Clone(o.Headers)
	o.Cookies = maps.Clone(o.Cookies)
	o.Params = maps.Clone(o.Params)
	return o
}

// SinkWriter receives the bytes of one transfer. Exactly one of Commit or Abort
// is called once writing stops.
type SinkWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// Sink is the destination of a task. A sink belongs to one task only.
type Sink interface {
	Open(ctx context.Context) (SinkWriter, error)
	String() string
}

// Fetcher performs one blocking transfer from locator into sink and reports the
// number of bytes written. Implementations must be safe for concurrent use.
type Fetcher interface {
	Transfer(ctx context.Context, locator string, sink Sink, opts TransferOptions) (int64, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, locator string, sink Sink, opts TransferOptions) (int64, error)

func (f FetcherFunc) Transfer(ctx context.Context, locator string, sink Sink, opts TransferOptions) (int64, error) {
	return f(ctx, locator, sink, opts)
}

// Task is a unit of work submitted to the queue.
type Task struct {
	ID      string
	Locator string
	Sink    Sink
	Options TransferOptions
}

// Outcome reports how a task ended.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Result is produced by a worker once the fetcher returns.
type Result struct {
	Task       Task
	Outcome    Outcome
	Err        error
	Bytes      int64
	Worker     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the transfer ran.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Handle tracks a task after Add returned.
type Handle struct {
	task   Task
	done   chan struct{}
	result Result
}

func newHandle(task Task) *Handle {
	return &Handle{task: task, done: make(chan struct{})}
}

// Task returns the task as it was admitted.
func (h *Handle) Task() Task { return h.task }

// Done is closed once the task completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the task completed and returns its result.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

func (h *Handle) finish(res Result) {
	h.result = res
	close(h.done)
}

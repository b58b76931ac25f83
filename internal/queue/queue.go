// Package queue implements a bounded download queue. At most Capacity transfers
// run at once; Add blocks the caller while the queue is saturated and admits
// waiting callers in arrival order.
//
// A Queue must be closed. Close stops admissions, waits for every admitted task
// and stops the workers. Run wraps a queue so that Close happens on every exit
// path:
//
//	err := queue.Run(fetcher, queue.DefaultConfig(), func(q *queue.Queue) error {
//	    _, err := q.Add(ctx, queue.Task{Locator: url, Sink: dest})
//	    return err
//	})
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the concurrency limit of DefaultConfig.
const DefaultCapacity = 5

// Config configures a Queue.
type Config struct {
	// Capacity is the maximum number of concurrent transfers. Must be >= 1.
	Capacity int
	// Observer receives task notifications. Defaults to a LogObserver on Logger.
	Observer Observer
	// Logger receives queue diagnostics. A nil logger discards them.
	Logger *logrus.Logger
	// OnAbandon is invoked when a queue is garbage collected with work
	// outstanding and neither Close nor Wait was called.
	OnAbandon func(Stats)
}

// DefaultConfig returns a Config with DefaultCapacity.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity}
}

// Stats is a snapshot of the queue state.
type Stats struct {
	Capacity    int
	Outstanding int
	Active      int
	Running     int
	Workers     int
	Waiting     int
	Completed   int64
	Failed      int64
	Closed      bool
}

// Queue is a bounded concurrent download queue. It is safe for concurrent use.
type Queue struct {
	c *core
}

// core holds the queue state shared with workers. Workers never reference the
// Queue itself so an abandoned Queue can be detected by the runtime.
type core struct {
	gate      *gate
	fetcher   Fetcher
	observer  Observer
	logger    *logrus.Logger
	onAbandon func(Stats)

	closing       context.Context
	cancelClosing context.CancelFunc
	work          chan *job
	workerWG      sync.WaitGroup
	closeOnce     sync.Once
	stopOnce      sync.Once

	mu          sync.Mutex
	outstanding int
	idle        chan struct{}
	closed      bool
	waited      bool
	nextWorker  int
	workers     map[int]*worker
	completed   int64
	failed      int64
}

// New returns a queue running transfers with fetcher.
func New(fetcher Fetcher, cfg Config) (*Queue, error) {
	if fetcher == nil {
		return nil, &ConfigError{Field: "fetcher", Reason: "must not be nil"}
	}
	g, err := newGate(cfg.Capacity)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NewLogObserver(logger)
	}

	idle := make(chan struct{})
	close(idle)

	c := &core{
		gate:      g,
		fetcher:   fetcher,
		observer:  observer,
		logger:    logger,
		onAbandon: cfg.OnAbandon,
		work:      make(chan *job),
		idle:      idle,
		workers:   make(map[int]*worker),
	}
	c.closing, c.cancelClosing = context.WithCancel(context.Background())

	q := &Queue{c: c}
	runtime.AddCleanup(q, (*core).abandoned, c)
	return q, nil
}

// Run creates a queue, passes it to fn and closes it when fn returns or panics.
// The error of fn takes precedence over the error of Close.
func Run(fetcher Fetcher, cfg Config, fn func(q *Queue) error) (err error) {
	q, err := New(fetcher, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := q.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(q)
}

// Add admits task, blocking while the queue is at capacity. The transfer runs
// in the background; use the returned Handle to observe its result. Add fails
// with ErrQueueClosed once shutdown began, including for callers that were
// blocked waiting for a slot, and with ctx.Err() if ctx ends first.
func (q *Queue) Add(ctx context.Context, task Task) (*Handle, error) {
	return q.c.add(ctx, task)
}

// Wait blocks until no task is outstanding.
func (q *Queue) Wait() {
	_ = q.c.wait(context.Background())
}

// WaitContext is Wait bounded by ctx.
func (q *Queue) WaitContext(ctx context.Context) error {
	return q.c.wait(ctx)
}

// Close stops admissions, waits for all admitted tasks and stops the workers.
// Calling Close more than once is safe.
func (q *Queue) Close() error {
	return q.c.shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. If ctx ends before the queue drained, the
// queue stays closed to new tasks, in-flight transfers keep running and
// ctx.Err() is returned; a later Close or Shutdown completes the sequence.
func (q *Queue) Shutdown(ctx context.Context) error {
	return q.c.shutdown(ctx)
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	return q.c.stats()
}

// Ready reports whether Add would currently not block.
func (q *Queue) Ready() bool {
	s := q.c.stats()
	return !s.Closed && s.Active < s.Capacity && s.Waiting == 0
}

func (c *core) add(ctx context.Context, task Task) (*Handle, error) {
	if task.Locator == "" {
		return nil, fmt.Errorf("%w: empty locator", ErrInvalidTask)
	}
	if task.Sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidTask)
	}
	if c.isClosed() {
		return nil, ErrQueueClosed
	}

	task.Options = task.Options.clone()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.closing, cancel)
	defer stop()

	if err := c.gate.acquire(acquireCtx); err != nil {
		if c.isClosed() {
			return nil, ErrQueueClosed
		}
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.gate.release()
		return nil, ErrQueueClosed
	}
	c.outstanding++
	if c.outstanding == 1 {
		c.idle = make(chan struct{})
	}
	c.mu.Unlock()

	j := &job{task: task, handle: newHandle(task)}
	c.notify(func() { c.observer.TaskAdmitted(task) })
	c.dispatch(j)
	return j.handle, nil
}

// dispatch hands j to an idle worker, or to a new one while fewer than
// capacity workers exist. A slot is held for j, so when every worker exists
// one of them is about to become idle.
func (c *core) dispatch(j *job) {
	select {
	case c.work <- j:
		return
	default:
	}

	c.mu.Lock()
	if len(c.workers) < c.gate.capacity {
		c.nextWorker++
		w := &worker{id: c.nextWorker, fetcher: c.fetcher}
		c.workers[w.id] = w
		c.workerWG.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.workerWG.Done()
			w.loop(j, c.work, c.complete)
		}()
		return
	}
	c.mu.Unlock()

	c.work <- j
}

func (c *core) complete(j *job, res Result) {
	if res.Outcome == Failure {
		c.notify(func() { c.observer.TaskFailed(res) })
	} else {
		c.notify(func() { c.observer.TaskSucceeded(res) })
	}
	j.handle.finish(res)

	c.mu.Lock()
	c.outstanding--
	if res.Outcome == Failure {
		c.failed++
	} else {
		c.completed++
	}
	if c.outstanding == 0 {
		close(c.idle)
	}
	c.mu.Unlock()

	c.gate.release()
}

// notify runs an observer callback. A panicking observer is logged and
// otherwise ignored.
func (c *core) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("download queue observer panic: %v", r)
		}
	}()
	fn()
}

func (c *core) wait(ctx context.Context) error {
	c.mu.Lock()
	c.waited = true
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *core) shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancelClosing()
		c.logger.Debug("download queue closing")
	})

	if err := c.wait(ctx); err != nil {
		return err
	}

	var err error
	c.stopOnce.Do(func() {
		close(c.work)
		c.workerWG.Wait()

		c.mu.Lock()
		clear(c.workers)
		c.mu.Unlock()

		if closer, ok := c.fetcher.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				err = fmt.Errorf("close fetcher: %w", cerr)
			}
		}
		stats := c.stats()
		c.notify(func() { c.observer.QueueClosed(stats) })
	})
	return err
}

// abandoned runs once the Queue handle became unreachable.
func (c *core) abandoned() {
	c.mu.Lock()
	closed, waited, outstanding := c.closed, c.waited, c.outstanding
	c.mu.Unlock()
	if closed {
		return
	}

	if outstanding > 0 && !waited {
		stats := c.stats()
		c.logger.WithField("outstanding", outstanding).
			Warn("download queue dropped before all downloads finished; draining in background")
		if c.onAbandon != nil {
			c.notify(func() { c.onAbandon(stats) })
		}
	}

	go func() {
		if err := c.shutdown(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warnf("close abandoned download queue: %v", err)
		}
	}()
}

func (c *core) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Capacity:    c.gate.capacity,
		Outstanding: c.outstanding,
		Active:      c.gate.active(),
		Workers:     len(c.workers),
		Waiting:     c.gate.waiters(),
		Completed:   c.completed,
		Failed:      c.failed,
		Closed:      c.closed,
	}
	for _, w := range c.workers {
		if w.State() == WorkerRunning {
			s.Running++
		}
	}
	return s
}

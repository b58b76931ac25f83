package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}

type job struct {
	task   Task
	handle *Handle
}

type worker struct {
	id      int
	fetcher Fetcher
	state   atomic.Int32
}

func (w *worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// loop runs first, then every job received from work until work is closed.
func (w *worker) loop(first *job, work <-chan *job, done func(*job, Result)) {
	defer w.state.Store(int32(WorkerStopped))

	if first != nil {
		done(first, w.execute(first.task))
	}
	for j := range work {
		done(j, w.execute(j.task))
	}
}

func (w *worker) execute(task Task) (res Result) {
	w.state.Store(int32(WorkerRunning))
	defer w.state.Store(int32(WorkerIdle))

	res = Result{Task: task, Worker: w.id, StartedAt: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = Failure
			res.Err = &TransferError{TaskID: task.ID, Locator: task.Locator, Err: fmt.Errorf("fetcher panic: %v", r)}
		}
		res.FinishedAt = time.Now()
	}()

	ctx := context.Background()
	if task.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Options.Timeout)
		defer cancel()
	}

	n, err := w.fetcher.Transfer(ctx, task.Locator, task.Sink, task.Options)
	res.Bytes = n
	if err != nil {
		res.Outcome = Failure
		res.Err = &TransferError{TaskID: task.ID, Locator: task.Locator, Err: err}
	}
	return res
}

package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned by Add once shutdown has begun. The task was not
	// admitted.
	ErrQueueClosed = errors.New("queue: closed")
	// ErrInvalidTask is returned by Add for a task without locator or sink.
	ErrInvalidTask = errors.New("queue: invalid task")
)

// ConfigError reports invalid construction parameters.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Reason)
}

// TransferError is the error of a failed task. It is recorded in the task's
// Result and forwarded to the observer; Add never returns it.
type TransferError struct {
	TaskID  string
	Locator string
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s (%s): %v", e.TaskID, e.Locator, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Package taskqueue queues asynchronous engine work: deferred or
// decoupled instance runs and abort requests, consumed by pkg/worker.
package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeRunInstance    TaskType = "run-instance"
	TaskTypeAbortExecution TaskType = "abort-execution"
)

// Task is one unit of queued work.
type Task struct {
	ID   string
	Type TaskType

	// For run-instance tasks.
	InstanceID string

	// For abort-execution tasks.
	ExecutionID string
	Reason      string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task becomes eligible for
	// processing. Zero means immediately.
	NotBefore time.Time

	// Attempts counts prior processing attempts of this task.
	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until
	// one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

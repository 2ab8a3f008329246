package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/api"
)

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *slog.Logger
}

// New creates a new Worker. logger may be nil.
func New(engine api.Engine, queue taskqueue.Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		logger: logger,
	}
}

// EnqueueRun enqueues a task to execute an instance asynchronously.
// It does NOT run the instance itself; that is done by ProcessOne.
func (w *Worker) EnqueueRun(ctx context.Context, instanceID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeRunInstance,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueRunAt enqueues a task to execute an instance no earlier than
// the given time 'at'.
func (w *Worker) EnqueueRunAt(ctx context.Context, instanceID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeRunInstance,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// EnqueueAbort enqueues a task to abort a running execution.
func (w *Worker) EnqueueAbort(ctx context.Context, executionID, reason string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:        taskqueue.TaskTypeAbortExecution,
		ExecutionID: executionID,
		Reason:      reason,
		EnqueuedAt:  time.Now(),
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: nothing processed (dequeue failed
//     or context cancelled)
//   - processed == true: a task was processed; err indicates whether it
//     succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeRunInstance:
		_, runErr := w.engine.Execute(ctx, task.InstanceID)
		return true, runErr

	case taskqueue.TaskTypeAbortExecution:
		abortErr := w.engine.Abort(ctx, task.ExecutionID, task.Reason)
		// Racing a finishing execution is fine; the abort just loses.
		if errors.Is(abortErr, api.ErrExecutionTerminal) {
			abortErr = nil
		}
		return true, abortErr

	default:
		// Unknown task type; mark as processed but return an error so
		// this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// Run processes tasks until ctx is cancelled. Task failures are logged
// and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if processed {
				w.logger.Warn("task failed", "error", err)
				continue
			}
			return err
		}
	}
}

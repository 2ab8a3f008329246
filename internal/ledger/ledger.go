// Package ledger is the durable, append-only record of execution
// transitions.
//
// Append is the sole mutation primitive. Appends to one execution are
// serialized (per-execution sequence numbers enforced with a conditional
// write); appends to different executions are independent. Leases give
// cross-process single-writer discipline: a driver acquires the lease on
// an execution before appending on its behalf.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// ErrExecutionNotFound is returned when an execution has no history.
// It wraps api.ErrNotFound.
var ErrExecutionNotFound = fmt.Errorf("execution %w", api.ErrNotFound)

// ErrLeaseNotHeld is returned by RenewLease when the caller does not
// hold the lease.
var ErrLeaseNotHeld = fmt.Errorf("lease not held by owner")

// Ledger is the execution transition store.
type Ledger interface {
	// Append durably appends t and assigns the next per-execution
	// sequence number, returned to the caller and set on t.Seq. The
	// transition must be committed before Append returns; the
	// orchestrator never proceeds past an unpersisted transition.
	Append(ctx context.Context, t *api.Transition) (int, error)

	// History returns the execution's transitions in sequence order.
	History(ctx context.Context, executionID string) ([]api.Transition, error)

	// ListActive returns the IDs of executions whose history holds no
	// terminal transition. Used by the recovery scan on startup.
	ListActive(ctx context.Context) ([]string, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the writer
	// lease for an execution. If another owner holds an unexpired lease
	// it returns acquired=false, err=nil. A lease held by the same owner
	// is re-entrant.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends a lease owned by 'owner'.
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if owned by 'owner'. Idempotent.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// Replay folds a transition history into an ExecutionRecord. The record's
// Status is derived purely from the history, so replaying twice always
// yields the same value. Returns nil for an empty history.
func Replay(history []api.Transition) *api.ExecutionRecord {
	if len(history) == 0 {
		return nil
	}

	rec := &api.ExecutionRecord{
		ID:     history[0].ExecutionID,
		Status: api.ExecutionPending,
	}

	// Attempts keyed by (step, attempt) for in-place status updates while
	// preserving first-seen order in rec.Attempts.
	index := make(map[string]int)
	key := func(stepID string, attempt int) string {
		return fmt.Sprintf("%s#%d", stepID, attempt)
	}

	for _, t := range history {
		switch t.Type {
		case api.TransitionExecutionStarted:
			rec.InstanceID = t.InstanceID
			rec.TemplateID = t.TemplateID
			rec.TemplateVersion = t.TemplateVersion
			rec.StartedAt = t.At
			rec.Status = api.ExecutionRunning

		case api.TransitionStepScheduled:
			index[key(t.StepID, t.Attempt)] = len(rec.Attempts)
			rec.Attempts = append(rec.Attempts, api.StepAttempt{
				StepID:  t.StepID,
				Attempt: t.Attempt,
				Status:  api.AttemptScheduled,
			})

		case api.TransitionStepStarted:
			if i, ok := index[key(t.StepID, t.Attempt)]; ok {
				rec.Attempts[i].Status = api.AttemptRunning
				rec.Attempts[i].StartedAt = t.At
			}

		case api.TransitionStepSucceeded:
			if i, ok := index[key(t.StepID, t.Attempt)]; ok {
				rec.Attempts[i].Status = api.AttemptSucceeded
				rec.Attempts[i].FinishedAt = t.At
				rec.Attempts[i].Output = t.Output
			}

		case api.TransitionStepFailed:
			if i, ok := index[key(t.StepID, t.Attempt)]; ok {
				rec.Attempts[i].Status = api.AttemptFailed
				rec.Attempts[i].FinishedAt = t.At
				rec.Attempts[i].Error = t.Detail
			}

		case api.TransitionStepTimedOut:
			if i, ok := index[key(t.StepID, t.Attempt)]; ok {
				rec.Attempts[i].Status = api.AttemptTimedOut
				rec.Attempts[i].FinishedAt = t.At
				rec.Attempts[i].Error = t.Detail
			}

		case api.TransitionStepSkipped:
			rec.Skipped = append(rec.Skipped, t.StepID)

		case api.TransitionExecutionCompleted:
			rec.Status = api.ExecutionCompleted
			rec.FinishedAt = t.At
		case api.TransitionExecutionFailed:
			rec.Status = api.ExecutionFailed
			rec.FinishedAt = t.At
		case api.TransitionExecutionAborted:
			rec.Status = api.ExecutionAborted
			rec.FinishedAt = t.At
		}
	}

	return rec
}

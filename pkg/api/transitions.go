package api

import "time"

// TransitionType identifies an execution history transition.
type TransitionType string

const (
	TransitionExecutionStarted   TransitionType = "execution.started"
	TransitionExecutionCompleted TransitionType = "execution.completed"
	TransitionExecutionFailed    TransitionType = "execution.failed"
	TransitionExecutionAborted   TransitionType = "execution.aborted"

	TransitionStepScheduled TransitionType = "step.scheduled"
	TransitionStepStarted   TransitionType = "step.started"
	TransitionStepSucceeded TransitionType = "step.succeeded"
	TransitionStepFailed    TransitionType = "step.failed"
	TransitionStepTimedOut  TransitionType = "step.timed_out"
	TransitionStepSkipped   TransitionType = "step.skipped"
)

// Terminal reports whether the transition finalizes its execution.
func (t TransitionType) Terminal() bool {
	switch t {
	case TransitionExecutionCompleted, TransitionExecutionFailed, TransitionExecutionAborted:
		return true
	}
	return false
}

// Transition is one append-only execution ledger record. The orchestrator
// persists a transition durably before acting on it; replaying the
// transition sequence of an execution reconstructs its ExecutionRecord.
type Transition struct {
	ExecutionID string

	// Seq is the 1-based position within the execution's history,
	// assigned by the ledger on append.
	Seq int

	At   time.Time
	Type TransitionType

	// Set on execution.started.
	InstanceID      string
	TemplateID      string
	TemplateVersion int

	// Set on step.* transitions.
	StepID  string
	Attempt int

	// Output carries the handler result on step.succeeded.
	Output any

	// Detail is a small human-oriented note: an error string, an abort
	// reason, a skip cause. Never a large payload.
	Detail string
}

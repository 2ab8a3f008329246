package api

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownStepKind is returned when a step kind has no registered
	// handler capability.
	ErrUnknownStepKind = errors.New("unknown step kind")

	// ErrNotFound is returned (wrapped) when a template, instance or
	// execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned (wrapped) when a draft or invocation
	// input fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRetryBudgetExhausted annotates a step failure detail once all
	// configured attempts have been used.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrLedgerWrite is returned when a transition could not be made
	// durable. The orchestrator halts the affected execution rather than
	// proceed with unpersisted state.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrConcurrentModification is returned when a second driver attempts
	// to take over an instance that already has an active driver.
	ErrConcurrentModification = errors.New("instance already driven by another worker")

	// ErrExecutionTerminal is returned when an operation (such as abort)
	// targets an execution that has already reached a terminal status.
	ErrExecutionTerminal = errors.New("execution already terminal")
)

// CycleError reports a cyclic dependency among template steps.
// Steps holds the IDs of the steps on the residual cycle.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return "cyclic dependency between steps: " + strings.Join(e.Steps, ", ")
}

// IsCycleError returns the offending step IDs if err reports a cyclic
// step dependency graph.
func IsCycleError(err error) ([]string, bool) {
	var c *CycleError
	if errors.As(err, &c) {
		return c.Steps, true
	}
	return nil, false
}

package api

import "context"

// StepInput is the bound input passed to a handler capability for one
// attempt. ExecutionID/StepID/Attempt identify the attempt; handlers
// whose side effects are not naturally idempotent may use them for
// deduplication, since the orchestrator guarantees at-least-once
// dispatch per attempt.
type StepInput struct {
	ExecutionID string
	InstanceID  string
	StepID      string
	Attempt     int

	// Params holds the step's parameter mapping with $input and $step
	// references already resolved.
	Params map[string]any
}

// Handler is the external unit of work bound to a step kind.
//
// Execute must honor ctx: the orchestrator cancels it on abort and
// enforces the step's wall-clock deadline through it. A handler that
// ignores cancellation is abandoned once the deadline passes and the
// attempt is recorded as timed out.
type Handler interface {
	Execute(ctx context.Context, in StepInput) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, in StepInput) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, in StepInput) (any, error) {
	return f(ctx, in)
}

// Interpreter materializes a natural-language request into a template
// draft. Interpretation itself is external to the core; its output is
// untrusted and fully validated at publish time.
type Interpreter interface {
	Interpret(ctx context.Context, text string) (TemplateDraft, error)
}

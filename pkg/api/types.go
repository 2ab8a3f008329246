package api

import (
	"time"
)

// ExecutionStatus is the lifecycle state of an ExecutionRecord.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionAborted   ExecutionStatus = "ABORTED"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionAborted:
		return true
	}
	return false
}

// AttemptStatus is the lifecycle state of a single StepAttempt.
type AttemptStatus string

const (
	AttemptScheduled AttemptStatus = "SCHEDULED"
	AttemptRunning   AttemptStatus = "RUNNING"
	AttemptSucceeded AttemptStatus = "SUCCEEDED"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptTimedOut  AttemptStatus = "TIMED_OUT"
)

// InstanceStatus is the lifecycle state of a WorkflowInstance. It mirrors
// the status of the instance's most recent execution; CREATED means the
// instance has never been executed.
type InstanceStatus string

const (
	InstanceCreated   InstanceStatus = "CREATED"
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceAborted   InstanceStatus = "ABORTED"
)

// RetryPolicy controls how a step attempt is retried when it fails or
// times out. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry; each further retry
// multiplies the delay by BackoffMultiplier (default 2.0), capped by
// MaxBackoff when it is > 0.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Attempts returns the effective attempt budget (at least 1).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff to apply after the given failed attempt
// number (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// StepSpec describes one step of a workflow template.
//
// Param values are either literals or references:
//
//	"$input.NAME"  resolves to the instance input NAME
//	"$step.ID"     resolves to the output of predecessor step ID
//
// A $step reference must name a step listed in DependsOn.
type StepSpec struct {
	// ID is unique within the template.
	ID   string
	Name string

	// Kind selects the handler capability via the step registry.
	Kind string

	Params map[string]string

	// DependsOn lists predecessor step IDs. A step becomes eligible to
	// run only after all predecessors have succeeded. Empty means the
	// step is a root and is eligible immediately.
	DependsOn []string

	// Optional steps that exhaust their retry budget do not fail the
	// execution; their dependents are skipped instead.
	Optional bool

	Retry   *RetryPolicy
	Timeout time.Duration
}

// InputSpec declares an invocation input a template expects.
type InputSpec struct {
	Name        string
	Description string
	Required    bool
}

// TemplateDraft is the mutable pre-publish form of a workflow template,
// typically produced by an Interpreter or the template builder. Drafts
// are untrusted: they are fully validated at publish time.
type TemplateDraft struct {
	// ID ties the draft to an existing template line for re-publishing a
	// new version. Empty means a new template.
	ID          string
	Name        string
	Description string
	Category    string
	Tags        []string
	Inputs      []InputSpec
	Steps       []StepSpec
}

// WorkflowTemplate is an immutable, versioned workflow definition.
// Publishing an edited draft produces a new version; existing versions
// are never modified.
type WorkflowTemplate struct {
	ID          string
	Version     int
	Name        string
	Description string
	Category    string
	Tags        []string
	Inputs      []InputSpec
	Steps       []StepSpec
	PublishedAt time.Time
}

// Step returns the StepSpec with the given ID.
func (t *WorkflowTemplate) Step(id string) (StepSpec, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepSpec{}, false
}

// WorkflowInstance is a concrete, input-bound invocation target derived
// from a template version. The template reference is immutable, so later
// template edits never affect the instance.
type WorkflowInstance struct {
	ID              string
	TemplateID      string
	TemplateVersion int
	Owner           string
	Inputs          map[string]any
	Status          InstanceStatus
	CreatedAt       time.Time
}

// StepAttempt is one try at executing a single step. Attempts are
// append-only; attempt numbers for a step are exactly 1..N.
type StepAttempt struct {
	StepID     string
	Attempt    int
	Status     AttemptStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Output     any
	Error      string
}

// ExecutionRecord is the durable history of one run of an instance.
// Its Status is always a pure function of the underlying transition
// history; it is never set independently.
type ExecutionRecord struct {
	ID              string
	InstanceID      string
	TemplateID      string
	TemplateVersion int
	Status          ExecutionStatus
	Attempts        []StepAttempt
	Skipped         []string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Duration returns the wall-clock run time, or the time elapsed so far
// for a non-terminal execution.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StepAttempts returns the attempts recorded for one step, in order.
func (r *ExecutionRecord) StepAttempts(stepID string) []StepAttempt {
	var out []StepAttempt
	for _, a := range r.Attempts {
		if a.StepID == stepID {
			out = append(out, a)
		}
	}
	return out
}

// TemplateFilter selects templates. Zero values mean "no filter".
type TemplateFilter struct {
	Name     string
	Category string
	Tag      string
}

// InstanceFilter selects instances. Zero values mean "no filter".
type InstanceFilter struct {
	TemplateID string
	Status     InstanceStatus
}

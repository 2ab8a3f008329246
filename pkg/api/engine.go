package api

import "context"

// Engine is the contract surface of the workflow core, independent of
// transport. An HTTP/API layer is expected to sit in front of it.
type Engine interface {
	// RegisterHandler binds a step kind to a handler capability.
	// Registration is expected at startup; publishing a template that
	// names an unbound kind fails with ErrUnknownStepKind.
	RegisterHandler(kind string, h Handler) error

	// PublishTemplate validates the draft (acyclic dependency graph,
	// unique step IDs, resolvable references, known kinds), assigns the
	// next version and persists it immutably.
	PublishTemplate(ctx context.Context, draft TemplateDraft) (*WorkflowTemplate, error)

	// Materialize runs the external interpreter on a natural-language
	// request and publishes the resulting draft.
	Materialize(ctx context.Context, interp Interpreter, text string) (*WorkflowTemplate, error)

	// GetTemplate returns the given version, or the latest when
	// version <= 0. Fails with a NotFound error.
	GetTemplate(ctx context.Context, id string, version int) (*WorkflowTemplate, error)

	ListTemplates(ctx context.Context, f TemplateFilter) ([]*WorkflowTemplate, error)

	// CreateInstance binds invocation inputs against the template's
	// declared inputs. Fails with ErrInvalidInput when required inputs
	// are missing or undeclared inputs are supplied.
	CreateInstance(ctx context.Context, templateID string, version int, inputs map[string]any, owner string) (*WorkflowInstance, error)

	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*WorkflowInstance, error)

	// Execute drives the instance's steps to completion and returns the
	// resulting ExecutionRecord. Each call produces a new, independent
	// ExecutionRecord; an instance that already has an active driver
	// fails with ErrConcurrentModification.
	Execute(ctx context.Context, instanceID string) (*ExecutionRecord, error)

	// GetExecution rebuilds the ExecutionRecord from the ledger history.
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)

	// Abort requests cancellation of a running execution: in-flight
	// attempts receive a cancellation signal, not-yet-started steps are
	// never scheduled, and the execution ends ABORTED.
	Abort(ctx context.Context, executionID string, reason string) error

	// Recover scans the ledger for non-terminal executions (for example
	// after a process crash), rebuilds their state from persisted
	// transitions and drives them to completion. It returns the number
	// of executions resumed. Call it on startup before accepting work.
	Recover(ctx context.Context) (int, error)
}

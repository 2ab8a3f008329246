// Package loom provides an embeddable workflow definition and durable
// execution engine for Go.
//
// Loom turns validated workflow templates into durable executions:
// every state transition is persisted to an append-only ledger before
// the engine acts on it, so a crash at any point leaves a history that
// can be replayed and resumed. It runs fully in Go, supports multiple
// persistence backends, and integrates cleanly into existing codebases.
//
// # Core Concepts
//
// The Loom model is intentionally small:
//
//  1. Engine
//  2. WorkflowTemplate
//  3. WorkflowInstance
//  4. ExecutionRecord
//  5. Handler
//
// # Engine
//
// The Engine publishes workflow templates, materializes instances,
// drives executions and answers queries. It is constructed over one of
// several storage backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// Templates are immutable once published: editing a template produces a
// new version, and running instances keep the version they were created
// against.
//
// # Templates and Instances
//
// A WorkflowTemplate is a named, versioned DAG of steps. Each step
// names a handler kind, parameter bindings ("$input.NAME",
// "$step.ID" or literals), its predecessors, and optional retry and
// timeout policies. Templates enter the system through an Interpreter
// (natural-language materialization) or the TemplateBuilder; either
// way the draft is fully validated at publish time.
//
// A WorkflowInstance binds a template version to concrete invocation
// inputs. Executing an instance produces an ExecutionRecord whose
// status is always derived from the persisted transition history.
//
// # Handlers
//
// A Handler is the unit of work bound to a step kind:
//
//	eng.RegisterHandler("email.send", loom.HandlerFunc(
//		func(ctx context.Context, in loom.StepInput) (any, error) {
//			return send(ctx, in.Params)
//		}))
//
// Handlers receive a context the engine cancels on abort and bounds by
// the step's wall-clock timeout. Dispatch is at-least-once per attempt;
// handlers with external side effects can deduplicate on
// (ExecutionID, StepID, Attempt).
//
// # Durability and Recovery
//
// Executions survive process crashes. On startup:
//
//	count, err := loom.Recover(ctx, eng)
//
// scans the ledger for interrupted executions, closes attempts that
// were in flight when the process died, and re-drives each execution
// within the remaining retry budgets. A writer lease per execution
// keeps two processes from driving the same execution concurrently.
//
// # Workers and the Change Feed
//
// pkg/worker runs instances asynchronously from a task queue (memory or
// SQLite), and pkg/feed publishes template and execution status events
// to Redis streams or RabbitMQ for consumers such as the search index
// in pkg/query.
//
// # Quick Start
//
//	eng := loom.NewInMemoryEngine()
//	eng.RegisterHandler("greet", loom.HandlerFunc(greet))
//
//	tpl, err := loom.NewTemplate("Greeter").
//		Input("name", "Who to greet", true).
//		Step("hello", "greet").Param("who", "$input.name").
//		Publish(ctx, eng)
//
//	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version,
//		map[string]any{"name": "Ada"}, "docs")
//	rec, err := eng.Execute(ctx, inst.ID)
package loom

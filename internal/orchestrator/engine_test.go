package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/feed"
)

func TestPublishTemplateAssignsVersions(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	mustRegister(t, eng, "ok", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))

	draft := api.TemplateDraft{
		Name:  "release pipeline",
		Steps: []api.StepSpec{{ID: "a", Kind: "ok"}},
	}
	v1, err := eng.PublishTemplate(ctx, draft)
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}
	if v1.Version != 1 || v1.ID == "" {
		t.Fatalf("unexpected first version: %+v", v1)
	}

	// Re-publishing on the same line yields the next version.
	draft.ID = v1.ID
	draft.Description = "edited"
	v2, err := eng.PublishTemplate(ctx, draft)
	if err != nil {
		t.Fatalf("PublishTemplate v2 failed: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("version = %d, want 2", v2.Version)
	}

	// The first version is untouched.
	got, err := eng.GetTemplate(ctx, v1.ID, 1)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if got.Description != "" {
		t.Fatalf("v1 mutated: %+v", got)
	}
}

func TestPublishTemplateRejectsUnknownKind(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})

	_, err := eng.PublishTemplate(context.Background(), api.TemplateDraft{
		Name:  "bad",
		Steps: []api.StepSpec{{ID: "a", Kind: "unregistered"}},
	})
	if !errors.Is(err, api.ErrUnknownStepKind) {
		t.Fatalf("expected ErrUnknownStepKind, got %v", err)
	}
}

type fakeInterpreter struct {
	draft api.TemplateDraft
	err   error
}

func (f fakeInterpreter) Interpret(ctx context.Context, text string) (api.TemplateDraft, error) {
	return f.draft, f.err
}

func TestMaterializePublishesInterpreterDraft(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	mustRegister(t, eng, "notify", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))

	interp := fakeInterpreter{draft: api.TemplateDraft{
		Name:  "every morning send me a digest",
		Steps: []api.StepSpec{{ID: "send", Kind: "notify"}},
	}}
	tpl, err := eng.Materialize(ctx, interp, "every morning send me a digest")
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if tpl.Version != 1 {
		t.Fatalf("version = %d, want 1", tpl.Version)
	}

	// Interpreter output is untrusted: an invalid draft fails at publish.
	bad := fakeInterpreter{draft: api.TemplateDraft{
		Name: "cyclic",
		Steps: []api.StepSpec{
			{ID: "a", Kind: "notify", DependsOn: []string{"b"}},
			{ID: "b", Kind: "notify", DependsOn: []string{"a"}},
		},
	}}
	if _, err := eng.Materialize(ctx, bad, "whatever"); err == nil {
		t.Fatal("expected error for cyclic interpreter draft")
	}

	failing := fakeInterpreter{err: errors.New("model unavailable")}
	if _, err := eng.Materialize(ctx, failing, "text"); err == nil {
		t.Fatal("expected interpreter error to surface")
	}
}

func TestCreateInstanceValidatesInputs(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	mustRegister(t, eng, "ok", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))
	tpl, err := eng.PublishTemplate(ctx, api.TemplateDraft{
		Name:   "strict",
		Inputs: []api.InputSpec{{Name: "city", Required: true}},
		Steps:  []api.StepSpec{{ID: "a", Kind: "ok"}},
	})
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}

	if _, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, nil, ""); !errors.Is(err, api.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing required input, got %v", err)
	}
	if _, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version,
		map[string]any{"city": "Oulu", "bogus": 1}, ""); !errors.Is(err, api.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for undeclared input, got %v", err)
	}

	inst, err := eng.CreateInstance(ctx, tpl.ID, 0, map[string]any{"city": "Oulu"}, "alice")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	// version <= 0 pins the latest version at creation time.
	if inst.TemplateVersion != tpl.Version {
		t.Fatalf("pinned version = %d, want %d", inst.TemplateVersion, tpl.Version)
	}
	if inst.Status != api.InstanceCreated {
		t.Fatalf("status = %s, want CREATED", inst.Status)
	}

	if _, err := eng.CreateInstance(ctx, "ghost", 0, nil, ""); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected NotFound for unknown template, got %v", err)
	}
}

func TestInstancePinnedVersionSurvivesEdits(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	outputs := map[string]string{"v1": "old", "v2": "new"}
	mustRegister(t, eng, "emit", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return outputs[in.Params["marker"].(string)], nil
	}))

	draftFor := func(id, marker string) api.TemplateDraft {
		return api.TemplateDraft{
			ID:    id,
			Name:  "evolving",
			Steps: []api.StepSpec{{ID: "a", Kind: "emit", Params: map[string]string{"marker": marker}}},
		}
	}
	tpl, err := eng.PublishTemplate(ctx, draftFor("", "v1"))
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}
	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	// Publish v2 before running the v1-pinned instance.
	if _, err := eng.PublishTemplate(ctx, draftFor(tpl.ID, "v2")); err != nil {
		t.Fatalf("PublishTemplate v2 failed: %v", err)
	}

	rec, err := eng.Execute(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.TemplateVersion != 1 {
		t.Fatalf("executed version = %d, want 1", rec.TemplateVersion)
	}
	if rec.StepAttempts("a")[0].Output != "old" {
		t.Fatalf("instance ran the edited template: %+v", rec.Attempts)
	}
}

func TestGetExecutionReplaysHistory(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	mustRegister(t, eng, "ok", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return "done", nil
	}))
	inst := publishAndCreate(t, eng, api.TemplateDraft{
		Name:  "queryable",
		Steps: []api.StepSpec{{ID: "a", Kind: "ok"}},
	}, nil)

	rec, err := eng.Execute(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Two reads rebuild the identical record from the ledger.
	first, err := eng.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	second, err := eng.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if first.Status != api.ExecutionCompleted || second.Status != first.Status {
		t.Fatalf("replayed statuses: %s, %s", first.Status, second.Status)
	}
	if len(first.Attempts) != 1 || first.Attempts[0].Output != "done" {
		t.Fatalf("replayed attempts: %+v", first.Attempts)
	}

	if _, err := eng.GetExecution(ctx, "ghost"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRecoverResumesInterruptedExecution(t *testing.T) {
	ms := store.NewInMemoryStore()
	led := ledger.NewInMemoryLedger()
	ctx := context.Background()

	// First engine: publish and create, then simulate a crash by writing
	// the partial history a dying process would leave behind.
	eng1 := New(Config{LeaseTTL: time.Second}, registry.New(),
		store.Store{Templates: ms, Instances: ms}, led, nil, nil, nil)
	mustRegister(t, eng1, "work", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, errors.New("should not run on eng1")
	}))

	tpl, err := eng1.PublishTemplate(ctx, api.TemplateDraft{
		Name: "crashy",
		Steps: []api.StepSpec{
			{ID: "a", Kind: "work", Retry: &api.RetryPolicy{MaxAttempts: 3}},
			{ID: "b", Kind: "work", DependsOn: []string{"a"}},
		},
	})
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}
	inst, err := eng1.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	const execID = "exec-interrupted"
	for _, tr := range []api.Transition{
		{ExecutionID: execID, Type: api.TransitionExecutionStarted,
			InstanceID: inst.ID, TemplateID: tpl.ID, TemplateVersion: tpl.Version},
		{ExecutionID: execID, Type: api.TransitionStepScheduled, StepID: "a", Attempt: 1},
		{ExecutionID: execID, Type: api.TransitionStepStarted, StepID: "a", Attempt: 1},
	} {
		tr := tr
		if _, err := led.Append(ctx, &tr); err != nil {
			t.Fatalf("seeding history failed: %v", err)
		}
	}

	// Second engine: same stores, working handlers. Recover must finish
	// the execution within step a's remaining budget.
	eng2 := New(Config{LeaseTTL: time.Second}, registry.New(),
		store.Store{Templates: ms, Instances: ms}, led, nil, nil, nil)
	mustRegister(t, eng2, "work", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return in.StepID + "-done", nil
	}))

	resumed, err := eng2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d, want 1", resumed)
	}

	rec, err := eng2.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if rec.Status != api.ExecutionCompleted {
		t.Fatalf("status = %s, want COMPLETED", rec.Status)
	}

	// The interrupted attempt is closed as failed and the retry continues
	// the numbering without gaps.
	attempts := rec.StepAttempts("a")
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts for a, want 2: %+v", len(attempts), attempts)
	}
	if attempts[0].Attempt != 1 || attempts[0].Status != api.AttemptFailed {
		t.Fatalf("interrupted attempt not closed: %+v", attempts[0])
	}
	if attempts[0].Error != "interrupted by restart" {
		t.Fatalf("unexpected close reason: %q", attempts[0].Error)
	}
	if attempts[1].Attempt != 2 || attempts[1].Status != api.AttemptSucceeded {
		t.Fatalf("retry attempt: %+v", attempts[1])
	}
	if rec.StepAttempts("b")[0].Output != "b-done" {
		t.Fatalf("dependent step did not run: %+v", rec.StepAttempts("b"))
	}

	// Nothing left to recover.
	resumed, err = eng2.Recover(ctx)
	if err != nil || resumed != 0 {
		t.Fatalf("second Recover = %d, %v", resumed, err)
	}

	inst2, _ := eng2.GetInstance(ctx, inst.ID)
	if inst2.Status != api.InstanceCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", inst2.Status)
	}
}

func TestRecoverRespectsForeignLease(t *testing.T) {
	ms := store.NewInMemoryStore()
	led := ledger.NewInMemoryLedger()
	ctx := context.Background()

	eng := New(Config{LeaseTTL: time.Second}, registry.New(),
		store.Store{Templates: ms, Instances: ms}, led, nil, nil, nil)
	mustRegister(t, eng, "work", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))

	tpl, err := eng.PublishTemplate(ctx, api.TemplateDraft{
		Name:  "leased",
		Steps: []api.StepSpec{{ID: "a", Kind: "work"}},
	})
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}
	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	const execID = "exec-foreign"
	tr := api.Transition{ExecutionID: execID, Type: api.TransitionExecutionStarted,
		InstanceID: inst.ID, TemplateID: tpl.ID, TemplateVersion: tpl.Version}
	if _, err := led.Append(ctx, &tr); err != nil {
		t.Fatalf("seeding history failed: %v", err)
	}

	// Another process holds the writer lease.
	if ok, err := led.TryAcquireLease(ctx, execID, "other-process", time.Minute); err != nil || !ok {
		t.Fatalf("lease setup failed: %v %v", ok, err)
	}

	resumed, err := eng.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if resumed != 0 {
		t.Fatalf("resumed = %d, want 0 while lease is held elsewhere", resumed)
	}
}

func TestAbortYieldsToActiveDriverInOtherProcess(t *testing.T) {
	ms := store.NewInMemoryStore()
	led := ledger.NewInMemoryLedger()
	ctx := context.Background()

	newEngine := func() *Engine {
		return New(Config{LeaseTTL: time.Second}, registry.New(),
			store.Store{Templates: ms, Instances: ms}, led, nil, nil, nil)
	}
	engA := newEngine()
	engB := newEngine()

	release := make(chan struct{})
	started := make(chan string, 1)
	mustRegister(t, engA, "gate", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		select {
		case started <- in.ExecutionID:
		default:
		}
		<-release
		return "done", nil
	}))

	inst := publishAndCreate(t, engA, api.TemplateDraft{
		Name:  "contested",
		Steps: []api.StepSpec{{ID: "a", Kind: "gate"}},
	}, nil)

	done := make(chan *api.ExecutionRecord, 1)
	go func() {
		rec, err := engA.Execute(ctx, inst.ID)
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
		done <- rec
	}()

	var execID string
	select {
	case execID = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}

	// engB has no local driver for this execution, and engA holds the
	// writer lease: the abort is rejected rather than appended behind
	// the active driver's back.
	err := engB.Abort(ctx, execID, "operator request")
	if !errors.Is(err, api.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	close(release)
	var rec *api.ExecutionRecord
	select {
	case rec = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return")
	}
	if rec.Status != api.ExecutionCompleted {
		t.Fatalf("status = %s, want COMPLETED", rec.Status)
	}

	// The rejected abort left no trace in the history.
	replayed, err := engB.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if replayed.Status != api.ExecutionCompleted {
		t.Fatalf("replayed status = %s, want COMPLETED", replayed.Status)
	}

	if err := engB.Abort(ctx, execID, "again"); !errors.Is(err, api.ErrExecutionTerminal) {
		t.Fatalf("expected ErrExecutionTerminal, got %v", err)
	}
}

func TestAbortFinalizesOrphanedExecution(t *testing.T) {
	ms := store.NewInMemoryStore()
	led := ledger.NewInMemoryLedger()
	ctx := context.Background()

	eng := New(Config{LeaseTTL: time.Second}, registry.New(),
		store.Store{Templates: ms, Instances: ms}, led, nil, nil, nil)
	mustRegister(t, eng, "work", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))

	tpl, err := eng.PublishTemplate(ctx, api.TemplateDraft{
		Name:  "orphaned",
		Steps: []api.StepSpec{{ID: "a", Kind: "work"}},
	})
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}
	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	// An interrupted execution nobody is driving and nobody has leased.
	const execID = "exec-orphan"
	tr := api.Transition{ExecutionID: execID, Type: api.TransitionExecutionStarted,
		InstanceID: inst.ID, TemplateID: tpl.ID, TemplateVersion: tpl.Version}
	if _, err := led.Append(ctx, &tr); err != nil {
		t.Fatalf("seeding history failed: %v", err)
	}

	if err := eng.Abort(ctx, execID, "no longer wanted"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	rec, err := eng.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if rec.Status != api.ExecutionAborted {
		t.Fatalf("status = %s, want ABORTED", rec.Status)
	}
	got, _ := eng.GetInstance(ctx, inst.ID)
	if got.Status != api.InstanceAborted {
		t.Fatalf("instance status = %s, want ABORTED", got.Status)
	}

	// The finalization lease was released, not leaked: recovery can take
	// the execution's lease again (and then finds nothing active).
	if ok, err := led.TryAcquireLease(ctx, execID, "someone-else", time.Minute); err != nil || !ok {
		t.Fatalf("lease still held after abort: %v %v", ok, err)
	}
}

func TestRepeatedInvocationsAreIndependent(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	mustRegister(t, eng, "greet", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return fmt.Sprintf("hello %v", in.Params["who"]), nil
	}))

	tpl, err := eng.PublishTemplate(ctx, api.TemplateDraft{
		Name:   "greeter",
		Inputs: []api.InputSpec{{Name: "who", Required: true}},
		Steps: []api.StepSpec{{ID: "say", Kind: "greet",
			Params: map[string]string{"who": "$input.who"}}},
	})
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}

	alice, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, map[string]any{"who": "alice"}, "alice")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	bob, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, map[string]any{"who": "bob"}, "bob")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if alice.ID == bob.ID {
		t.Fatalf("instances share an ID: %s", alice.ID)
	}

	recA, err := eng.Execute(ctx, alice.ID)
	if err != nil {
		t.Fatalf("Execute alice failed: %v", err)
	}
	recB, err := eng.Execute(ctx, bob.ID)
	if err != nil {
		t.Fatalf("Execute bob failed: %v", err)
	}

	// Two invocations of the same template produce fully independent
	// executions: distinct IDs, distinct histories, own inputs.
	if recA.ID == recB.ID {
		t.Fatalf("executions share an ID: %s", recA.ID)
	}
	if recA.Status != api.ExecutionCompleted || recB.Status != api.ExecutionCompleted {
		t.Fatalf("statuses = %s, %s", recA.Status, recB.Status)
	}
	if recA.StepAttempts("say")[0].Output != "hello alice" {
		t.Fatalf("alice output: %+v", recA.StepAttempts("say"))
	}
	if recB.StepAttempts("say")[0].Output != "hello bob" {
		t.Fatalf("bob output: %+v", recB.StepAttempts("say"))
	}

	// Re-running an instance yields a third, equally independent record;
	// the earlier one is untouched.
	recA2, err := eng.Execute(ctx, alice.ID)
	if err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if recA2.ID == recA.ID {
		t.Fatalf("re-run reused execution ID %s", recA.ID)
	}
	if len(recA2.StepAttempts("say")) != 1 {
		t.Fatalf("re-run attempts: %+v", recA2.StepAttempts("say"))
	}
	first, err := eng.GetExecution(ctx, recA.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if len(first.Attempts) != 1 || first.Status != api.ExecutionCompleted {
		t.Fatalf("first execution mutated by re-run: %+v", first)
	}
}

func TestFeedReceivesLifecycleEvents(t *testing.T) {
	ms := store.NewInMemoryStore()
	led := ledger.NewInMemoryLedger()
	ch := feed.NewChannelFeed(16)
	eng := New(Config{LeaseTTL: time.Second}, registry.New(),
		store.Store{Templates: ms, Instances: ms}, led, ch, nil, nil)
	ctx := context.Background()

	mustRegister(t, eng, "ok", api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))
	inst := publishAndCreate(t, eng, api.TemplateDraft{
		Name:  "observable",
		Steps: []api.StepSpec{{ID: "a", Kind: "ok"}},
	}, nil)

	rec, err := eng.Execute(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != api.ExecutionCompleted {
		t.Fatalf("status = %s", rec.Status)
	}

	var types []string
	var statuses []string
	for len(ch.Events()) > 0 {
		ev := <-ch.Events()
		types = append(types, string(ev.Type))
		if ev.Type == feed.EventExecutionStatus {
			statuses = append(statuses, ev.Status)
		}
	}

	if len(types) != 3 {
		t.Fatalf("got %d events, want 3 (publish, running, completed): %v", len(types), types)
	}
	if types[0] != string(feed.EventTemplatePublished) {
		t.Fatalf("first event = %s", types[0])
	}
	if statuses[0] != string(api.ExecutionRunning) || statuses[1] != string(api.ExecutionCompleted) {
		t.Fatalf("status events = %v", statuses)
	}
}

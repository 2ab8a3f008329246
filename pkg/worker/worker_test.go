package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/api"
)

func newTestWorker(t *testing.T) (*Worker, *orchestrator.Engine, *taskqueue.InMemoryQueue) {
	t.Helper()
	ms := store.NewInMemoryStore()
	eng := orchestrator.New(orchestrator.Config{LeaseTTL: time.Second}, registry.New(),
		store.Store{Templates: ms, Instances: ms}, ledger.NewInMemoryLedger(), nil, nil, nil)
	q := taskqueue.NewInMemoryQueue(16)
	return New(eng, q, nil), eng, q
}

func runnableInstance(t *testing.T, eng *orchestrator.Engine, handler api.Handler) *api.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	if err := eng.RegisterHandler("work", handler); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	tpl, err := eng.PublishTemplate(ctx, api.TemplateDraft{
		Name:  "queued job",
		Steps: []api.StepSpec{{ID: "a", Kind: "work"}},
	})
	if err != nil {
		t.Fatalf("PublishTemplate failed: %v", err)
	}
	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	return inst
}

func TestProcessOneRunsInstance(t *testing.T) {
	w, eng, _ := newTestWorker(t)
	ctx := context.Background()

	inst := runnableInstance(t, eng, api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return "done", nil
	}))

	if err := w.EnqueueRun(ctx, inst.ID); err != nil {
		t.Fatalf("EnqueueRun failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatal("expected a task to be processed")
	}

	got, err := eng.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Status != api.InstanceCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", got.Status)
	}
}

func TestEnqueueRunAtDelaysExecution(t *testing.T) {
	w, eng, _ := newTestWorker(t)
	ctx := context.Background()

	inst := runnableInstance(t, eng, api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))

	delay := 60 * time.Millisecond
	if err := w.EnqueueRunAt(ctx, inst.ID, time.Now().Add(delay)); err != nil {
		t.Fatalf("EnqueueRunAt failed: %v", err)
	}

	start := time.Now()
	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne = %v, %v", processed, err)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("task ran after %v, want >= %v", elapsed, delay)
	}
}

func TestAbortTaskToleratesFinishedExecution(t *testing.T) {
	w, eng, _ := newTestWorker(t)
	ctx := context.Background()

	inst := runnableInstance(t, eng, api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))
	rec, err := eng.Execute(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The execution finished before the abort task was picked up; the
	// worker treats the lost race as success.
	if err := w.EnqueueAbort(ctx, rec.ID, "too slow"); err != nil {
		t.Fatalf("EnqueueAbort failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatal("expected the abort task to be processed")
	}
}

func TestProcessOneUnknownTaskType(t *testing.T) {
	w, _, q := newTestWorker(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, taskqueue.Task{Type: "compact-ledger"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatal("unknown task should still count as processed")
	}
	if err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Fatalf("expected unknown task type error, got %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, eng, _ := newTestWorker(t)

	inst := runnableInstance(t, eng, api.HandlerFunc(func(ctx context.Context, in api.StepInput) (any, error) {
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.EnqueueRun(ctx, inst.ID); err != nil {
		t.Fatalf("EnqueueRun failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the loop time to drain the queue, then stop it.
	deadline := time.After(2 * time.Second)
	for {
		got, err := eng.GetInstance(context.Background(), inst.ID)
		if err == nil && got.Status == api.InstanceCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("instance never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run should return the context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

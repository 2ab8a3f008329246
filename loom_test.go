package loom_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/feed"
	"github.com/loomworks/loom/pkg/query"
)

// textInterpreter is a trivial Interpreter standing in for an external
// language model: it turns "fetch X then summarize" into a two step
// draft.
type textInterpreter struct{}

func (textInterpreter) Interpret(ctx context.Context, text string) (loom.TemplateDraft, error) {
	subject, ok := strings.CutPrefix(text, "fetch ")
	if !ok {
		return loom.TemplateDraft{}, fmt.Errorf("cannot interpret %q", text)
	}
	subject, _, _ = strings.Cut(subject, " then ")
	return loom.NewTemplate("summarize " + subject).
		Input("subject", "what to fetch", true).
		Step("fetch", "http.get").Param("subject", "$input.subject").
		Then("summarize", "text.summarize").Param("data", "$step.fetch").
		Draft(), nil
}

func registerTestHandlers(t *testing.T, eng loom.Engine) {
	t.Helper()
	handlers := map[string]loom.HandlerFunc{
		"http.get": func(ctx context.Context, in loom.StepInput) (any, error) {
			return fmt.Sprintf("payload(%v)", in.Params["subject"]), nil
		},
		"text.summarize": func(ctx context.Context, in loom.StepInput) (any, error) {
			return fmt.Sprintf("summary of %v", in.Params["data"]), nil
		},
	}
	for kind, h := range handlers {
		if err := eng.RegisterHandler(kind, h); err != nil {
			t.Fatalf("RegisterHandler %q failed: %v", kind, err)
		}
	}
}

func TestEndToEndMaterializeAndExecute(t *testing.T) {
	ch := feed.NewChannelFeed(32)
	metrics := &loom.BasicMetrics{}
	eng := loom.NewInMemoryEngineWithOptions(loom.Options{
		Feed:     ch,
		Observer: loom.NewCompositeObserver(metrics, loom.NewLoggingObserver(nil)),
	})
	registerTestHandlers(t, eng)
	ctx := context.Background()

	tpl, err := loom.Materialize(ctx, eng, textInterpreter{}, "fetch weather then summarize")
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, map[string]any{"subject": "weather"}, "alice")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	rec, err := loom.Execute(ctx, eng, inst.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != loom.ExecutionCompleted {
		t.Fatalf("status = %s, want COMPLETED", rec.Status)
	}
	if got := rec.StepAttempts("summarize")[0].Output; got != "summary of payload(weather)" {
		t.Fatalf("output = %v", got)
	}

	snap := metrics.Snapshot()
	if snap.ExecutionsStarted != 1 || snap.ExecutionsFinished != 1 || snap.AttemptsCompleted != 2 {
		t.Fatalf("metrics snapshot: %+v", snap)
	}

	// The query side sees the published template through the feed.
	svc := query.New(eng, query.NewMemoryIndex(), nil)
	for len(ch.Events()) > 0 {
		if err := svc.Apply(ctx, <-ch.Events()); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}
	found, err := svc.SearchByText(ctx, "summarize weather", "")
	if err != nil || len(found) != 1 || found[0].ID != tpl.ID {
		t.Fatalf("SearchByText = %v, %v", found, err)
	}
}

func TestSQLiteEngineSurvivesRestart(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	eng1, err := loom.NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	registerTestHandlers(t, eng1)

	tpl, err := loom.NewTemplate("durable").
		Step("fetch", "http.get").Param("subject", "news").
		Publish(ctx, eng1)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	inst, err := eng1.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	rec, err := eng1.Execute(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// A fresh engine over the same database sees everything.
	eng2, err := loom.NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine (second) failed: %v", err)
	}
	got, err := eng2.GetTemplate(ctx, tpl.ID, 0)
	if err != nil || got.Name != "durable" {
		t.Fatalf("template not durable: %v, %v", got, err)
	}
	rec2, err := eng2.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if rec2.Status != loom.ExecutionCompleted || len(rec2.Attempts) != 1 {
		t.Fatalf("execution not durable: %+v", rec2)
	}

	// Nothing was left mid-flight, so recovery finds no work.
	resumed, err := loom.Recover(ctx, eng2)
	if err != nil || resumed != 0 {
		t.Fatalf("Recover = %d, %v", resumed, err)
	}
}

func TestWorkerRunsQueuedInstances(t *testing.T) {
	eng := loom.NewInMemoryEngine()
	registerTestHandlers(t, eng)
	ctx := context.Background()

	tpl, err := loom.NewTemplate("queued").
		Step("fetch", "http.get").Param("subject", "mail").
		Publish(ctx, eng)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	w := loom.NewWorker(eng)
	if err := w.EnqueueRun(ctx, inst.ID); err != nil {
		t.Fatalf("EnqueueRun failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne = %v, %v", processed, err)
	}

	got, err := eng.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Status != api.InstanceCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", got.Status)
	}
}

func TestAbortUnknownExecution(t *testing.T) {
	eng := loom.NewInMemoryEngine()
	err := loom.Abort(context.Background(), eng, "no-such-execution", "cleanup")
	if !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestOptionsDefaultStepTimeout(t *testing.T) {
	eng := loom.NewInMemoryEngineWithOptions(loom.Options{
		DefaultStepTimeout: 30 * time.Millisecond,
	})
	if err := eng.RegisterHandler("slow", loom.HandlerFunc(func(ctx context.Context, in loom.StepInput) (any, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	ctx := context.Background()

	tpl, err := loom.NewTemplate("slow job").Step("a", "slow").Publish(ctx, eng)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	inst, err := eng.CreateInstance(ctx, tpl.ID, tpl.Version, nil, "")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	rec, err := eng.Execute(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != loom.ExecutionFailed {
		t.Fatalf("status = %s, want FAILED", rec.Status)
	}
	if got := rec.StepAttempts("a")[0].Status; got != api.AttemptTimedOut {
		t.Fatalf("attempt status = %s, want TIMED_OUT", got)
	}
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/api"
)

type ledgerBackend struct {
	name   string
	ledger Ledger

	// expire advances lease expiry by at least d; miniredis needs an
	// explicit clock push, the others just sleep.
	expire func(d time.Duration)
}

func testLedgers(t *testing.T) []ledgerBackend {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sq, err := NewSQLiteLedger(db)
	if err != nil {
		t.Fatalf("NewSQLiteLedger failed: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sleep := func(d time.Duration) { time.Sleep(d + 10*time.Millisecond) }
	return []ledgerBackend{
		{name: "memory", ledger: NewInMemoryLedger(), expire: sleep},
		{name: "sqlite", ledger: sq, expire: sleep},
		{name: "redis", ledger: NewRedisLedger(client, "test:"), expire: func(d time.Duration) {
			mr.FastForward(d + 10*time.Millisecond)
		}},
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	for _, b := range testLedgers(t) {
		t.Run(b.name, func(t *testing.T) {
			for i := 1; i <= 3; i++ {
				tr := &api.Transition{
					ExecutionID: "e1",
					Type:        api.TransitionStepScheduled,
					StepID:      "a",
					Attempt:     i,
				}
				seq, err := b.ledger.Append(ctx, tr)
				if err != nil {
					t.Fatalf("Append %d failed: %v", i, err)
				}
				if seq != i || tr.Seq != i {
					t.Fatalf("seq = %d (tr.Seq %d), want %d", seq, tr.Seq, i)
				}
			}

			history, err := b.ledger.History(ctx, "e1")
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("got %d transitions, want 3", len(history))
			}
			for i, tr := range history {
				if tr.Seq != i+1 {
					t.Fatalf("history[%d].Seq = %d", i, tr.Seq)
				}
				if tr.Attempt != i+1 {
					t.Fatalf("history[%d].Attempt = %d", i, tr.Attempt)
				}
			}
		})
	}
}

func TestSequencesAreIndependentPerExecution(t *testing.T) {
	ctx := context.Background()
	for _, b := range testLedgers(t) {
		t.Run(b.name, func(t *testing.T) {
			for _, id := range []string{"e1", "e2", "e1"} {
				if _, err := b.ledger.Append(ctx, &api.Transition{
					ExecutionID: id,
					Type:        api.TransitionExecutionStarted,
				}); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			h1, _ := b.ledger.History(ctx, "e1")
			h2, _ := b.ledger.History(ctx, "e2")
			if len(h1) != 2 || len(h2) != 1 {
				t.Fatalf("history lengths = %d, %d", len(h1), len(h2))
			}
			if h2[0].Seq != 1 {
				t.Fatalf("e2 first seq = %d, want 1", h2[0].Seq)
			}
		})
	}
}

func TestOutputRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, b := range testLedgers(t) {
		t.Run(b.name, func(t *testing.T) {
			out := map[string]any{"rows": []any{"a", "b"}, "count": 2}
			if _, err := b.ledger.Append(ctx, &api.Transition{
				ExecutionID: "e-out",
				Type:        api.TransitionStepSucceeded,
				StepID:      "s",
				Attempt:     1,
				Output:      out,
			}); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			history, err := b.ledger.History(ctx, "e-out")
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			got, ok := history[0].Output.(map[string]any)
			if !ok {
				t.Fatalf("output type = %T", history[0].Output)
			}
			if got["count"] != 2 {
				t.Fatalf("output not preserved: %+v", got)
			}
		})
	}
}

func TestListActiveTracksTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	for _, b := range testLedgers(t) {
		t.Run(b.name, func(t *testing.T) {
			start := func(id string) {
				if _, err := b.ledger.Append(ctx, &api.Transition{
					ExecutionID: id, Type: api.TransitionExecutionStarted,
				}); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}
			start("act-1")
			start("act-2")

			active, err := b.ledger.ListActive(ctx)
			if err != nil {
				t.Fatalf("ListActive failed: %v", err)
			}
			if !containsAll(active, "act-1", "act-2") {
				t.Fatalf("active = %v", active)
			}

			if _, err := b.ledger.Append(ctx, &api.Transition{
				ExecutionID: "act-1", Type: api.TransitionExecutionCompleted,
			}); err != nil {
				t.Fatalf("Append terminal failed: %v", err)
			}

			active, err = b.ledger.ListActive(ctx)
			if err != nil {
				t.Fatalf("ListActive failed: %v", err)
			}
			if containsAll(active, "act-1") {
				t.Fatalf("act-1 still active: %v", active)
			}
			if !containsAll(active, "act-2") {
				t.Fatalf("act-2 missing: %v", active)
			}
		})
	}
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	ttl := 200 * time.Millisecond

	for _, b := range testLedgers(t) {
		t.Run(b.name, func(t *testing.T) {
			acquired, err := b.ledger.TryAcquireLease(ctx, "e1", "w1", ttl)
			if err != nil || !acquired {
				t.Fatalf("first acquire = %v, %v", acquired, err)
			}

			// Re-entrant for the same owner.
			acquired, err = b.ledger.TryAcquireLease(ctx, "e1", "w1", ttl)
			if err != nil || !acquired {
				t.Fatalf("re-acquire = %v, %v", acquired, err)
			}

			// Another owner is rejected while the lease is live.
			acquired, err = b.ledger.TryAcquireLease(ctx, "e1", "w2", ttl)
			if err != nil {
				t.Fatalf("contending acquire errored: %v", err)
			}
			if acquired {
				t.Fatal("second owner acquired a live lease")
			}

			if err := b.ledger.RenewLease(ctx, "e1", "w1", ttl); err != nil {
				t.Fatalf("RenewLease failed: %v", err)
			}
			if err := b.ledger.RenewLease(ctx, "e1", "w2", ttl); !errors.Is(err, ErrLeaseNotHeld) {
				t.Fatalf("expected ErrLeaseNotHeld, got %v", err)
			}

			// Release by a non-owner is a no-op; by the owner it frees the lease.
			if err := b.ledger.ReleaseLease(ctx, "e1", "w2"); err != nil {
				t.Fatalf("foreign release errored: %v", err)
			}
			acquired, _ = b.ledger.TryAcquireLease(ctx, "e1", "w2", ttl)
			if acquired {
				t.Fatal("foreign release freed the lease")
			}

			if err := b.ledger.ReleaseLease(ctx, "e1", "w1"); err != nil {
				t.Fatalf("ReleaseLease failed: %v", err)
			}
			acquired, err = b.ledger.TryAcquireLease(ctx, "e1", "w2", ttl)
			if err != nil || !acquired {
				t.Fatalf("acquire after release = %v, %v", acquired, err)
			}
		})
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	ttl := 50 * time.Millisecond

	for _, b := range testLedgers(t) {
		t.Run(b.name, func(t *testing.T) {
			acquired, err := b.ledger.TryAcquireLease(ctx, "exp", "w1", ttl)
			if err != nil || !acquired {
				t.Fatalf("acquire = %v, %v", acquired, err)
			}

			b.expire(ttl)

			acquired, err = b.ledger.TryAcquireLease(ctx, "exp", "w2", ttl)
			if err != nil {
				t.Fatalf("acquire after expiry errored: %v", err)
			}
			if !acquired {
				t.Fatal("expired lease was not reclaimable")
			}
		})
	}
}

func containsAll(haystack []string, needles ...string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}

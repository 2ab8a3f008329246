package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// InMemoryLedger keeps transition histories in process memory.
// Non-durable; intended for tests and development.
type InMemoryLedger struct {
	mu      sync.Mutex
	history map[string][]api.Transition
	active  map[string]bool
	leases  map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

var _ Ledger = (*InMemoryLedger)(nil)

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		history: make(map[string][]api.Transition),
		active:  make(map[string]bool),
		leases:  make(map[string]lease),
	}
}

func (l *InMemoryLedger) Append(ctx context.Context, t *api.Transition) (int, error) {
	if t.ExecutionID == "" {
		return 0, errors.New("transition has no execution ID")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := len(l.history[t.ExecutionID]) + 1
	t.Seq = seq
	if t.At.IsZero() {
		t.At = time.Now()
	}
	l.history[t.ExecutionID] = append(l.history[t.ExecutionID], *t)

	if t.Type.Terminal() {
		delete(l.active, t.ExecutionID)
	} else {
		l.active[t.ExecutionID] = true
	}
	return seq, nil
}

func (l *InMemoryLedger) History(ctx context.Context, executionID string) ([]api.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.history[executionID]
	out := make([]api.Transition, len(src))
	copy(out, src)
	return out, nil
}

func (l *InMemoryLedger) ListActive(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.active))
	for id := range l.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (l *InMemoryLedger) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cur, ok := l.leases[executionID]
	if ok && cur.owner != owner && cur.expires.After(now) {
		return false, nil
	}
	l.leases[executionID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *InMemoryLedger) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[executionID]
	if !ok || cur.owner != owner {
		return ErrLeaseNotHeld
	}
	l.leases[executionID] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (l *InMemoryLedger) ReleaseLease(ctx context.Context, executionID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[executionID]
	if ok && cur.owner == owner {
		delete(l.leases, executionID)
	}
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/api"
)

// driver runs one execution. It owns all ledger appends for its
// execution; worker goroutines only compute and report back over the
// results channel.
type driver struct {
	cfg    Config
	reg    *registry.Registry
	led    ledger.Ledger
	obs    api.Observer
	logger *slog.Logger

	tpl  *api.WorkflowTemplate
	inst *api.WorkflowInstance

	executionID string

	// history mirrors the persisted transition sequence; the execution
	// record is always derived from it, never tracked separately.
	history []api.Transition

	abort chan string

	steps    map[string]*stepState
	results  chan attemptResult
	retries  chan string
	inFlight int

	aborting    bool
	abortReason string
	failing     bool
	failDetail  string
}

type stepState struct {
	spec      api.StepSpec
	attempts  int
	running   bool
	waiting   bool // backoff pending before the next attempt
	succeeded bool
	exhausted bool
	skipped   bool
	output    any
}

func (st *stepState) budget() int {
	if st.spec.Retry == nil {
		return 1
	}
	return st.spec.Retry.Attempts()
}

// resolved reports whether the step needs no further driving.
func (st *stepState) resolved() bool {
	return st.succeeded || st.skipped || st.exhausted
}

type attemptResult struct {
	stepID   string
	attempt  int
	output   any
	err      error
	timedOut bool
	aborted  bool
	duration time.Duration
}

func (d *driver) run(ctx context.Context) (*api.ExecutionRecord, error) {
	stepCtx, cancelSteps := context.WithCancel(ctx)
	defer cancelSteps()

	d.steps = make(map[string]*stepState, len(d.tpl.Steps))
	for _, s := range d.tpl.Steps {
		d.steps[s.ID] = &stepState{spec: s}
	}
	d.results = make(chan attemptResult, d.cfg.MaxInFlight)
	d.retries = make(chan string, len(d.tpl.Steps))

	if len(d.history) == 0 {
		if err := d.append(ctx, &api.Transition{
			ExecutionID:     d.executionID,
			Type:            api.TransitionExecutionStarted,
			InstanceID:      d.inst.ID,
			TemplateID:      d.tpl.ID,
			TemplateVersion: d.tpl.Version,
		}); err != nil {
			return nil, err
		}
	} else {
		if err := d.reconcile(ctx); err != nil {
			return nil, err
		}
	}

	d.obs.OnExecutionStart(ctx, d.record())

	for {
		// Dispatch continues while failing: independent branches settle
		// before the terminal transition; only an abort stops them.
		if !d.aborting {
			if err := d.dispatchReady(ctx, stepCtx); err != nil {
				return nil, err
			}
		}

		done, err := d.maybeFinish(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			rec := d.record()
			d.obs.OnExecutionFinished(ctx, rec)
			return rec, nil
		}

		select {
		case res := <-d.results:
			d.inFlight--
			if err := d.handleResult(ctx, res); err != nil {
				return nil, err
			}

		case stepID := <-d.retries:
			d.steps[stepID].waiting = false

		case reason := <-d.abort:
			d.aborting = true
			d.abortReason = reason
			cancelSteps()

		case <-ctx.Done():
			// Process shutdown. The execution stays active in the ledger
			// and is picked up by the next recovery scan.
			return d.record(), ctx.Err()
		}
	}
}

// dispatchReady starts every step whose predecessors have all succeeded,
// up to the in-flight cap.
func (d *driver) dispatchReady(ctx, stepCtx context.Context) error {
	for _, s := range d.tpl.Steps {
		if d.inFlight >= d.cfg.MaxInFlight {
			return nil
		}
		st := d.steps[s.ID]
		if st.resolved() || st.running || st.waiting {
			continue
		}

		ready := true
		for _, dep := range s.DependsOn {
			if !d.steps[dep].succeeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		attempt := st.attempts + 1
		if err := d.append(ctx, &api.Transition{
			ExecutionID: d.executionID,
			Type:        api.TransitionStepScheduled,
			StepID:      s.ID,
			Attempt:     attempt,
		}); err != nil {
			return err
		}
		if err := d.append(ctx, &api.Transition{
			ExecutionID: d.executionID,
			Type:        api.TransitionStepStarted,
			StepID:      s.ID,
			Attempt:     attempt,
		}); err != nil {
			return err
		}

		st.attempts = attempt
		st.running = true
		d.inFlight++

		d.obs.OnStepStart(ctx, d.record(), s.ID, attempt)

		params := d.resolveParams(s)
		go d.runAttempt(stepCtx, s, attempt, params)
	}
	return nil
}

// resolveParams binds a step's parameter mapping: $input references to
// instance inputs, $step references to predecessor outputs, anything
// else as a literal. References were validated at publish time.
func (d *driver) resolveParams(s api.StepSpec) map[string]any {
	if len(s.Params) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.Params))
	for key, val := range s.Params {
		if name, ok := store.InputRef(val); ok {
			out[key] = d.inst.Inputs[name]
			continue
		}
		if id, ok := store.StepRef(val); ok {
			out[key] = d.steps[id].output
			continue
		}
		out[key] = val
	}
	return out
}

// runAttempt executes one step attempt in a worker goroutine. The
// handler runs in a further inner goroutine so that a handler ignoring
// cancellation can be abandoned once the deadline passes.
func (d *driver) runAttempt(stepCtx context.Context, s api.StepSpec, attempt int, params map[string]any) {
	start := time.Now()
	res := attemptResult{stepID: s.ID, attempt: attempt}

	h, err := d.reg.Resolve(s.Kind)
	if err != nil {
		res.err = err
		res.duration = time.Since(start)
		d.results <- res
		return
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	actx := stepCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(stepCtx, timeout)
		defer cancel()
	}

	in := api.StepInput{
		ExecutionID: d.executionID,
		InstanceID:  d.inst.ID,
		StepID:      s.ID,
		Attempt:     attempt,
		Params:      params,
	}

	type handlerResult struct {
		out any
		err error
	}
	ch := make(chan handlerResult, 1)
	go func() {
		out, err := h.Execute(actx, in)
		ch <- handlerResult{out: out, err: err}
	}()

	select {
	case r := <-ch:
		res.output = r.out
		res.err = r.err
		if r.err != nil && actx.Err() != nil {
			res.timedOut = errors.Is(actx.Err(), context.DeadlineExceeded)
			res.aborted = !res.timedOut
		}

	case <-actx.Done():
		// Handler still running; abandoned.
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			res.timedOut = true
			res.err = fmt.Errorf("attempt deadline exceeded after %s", timeout)
		} else {
			res.aborted = true
			res.err = errors.New("attempt cancelled")
		}
	}

	res.duration = time.Since(start)
	d.results <- res
}

func (d *driver) handleResult(ctx context.Context, res attemptResult) error {
	st := d.steps[res.stepID]
	st.running = false

	d.obs.OnStepCompleted(ctx, d.record(), res.stepID, res.attempt, res.err, res.duration)

	if res.err == nil {
		st.succeeded = true
		st.output = res.output
		return d.append(ctx, &api.Transition{
			ExecutionID: d.executionID,
			Type:        api.TransitionStepSucceeded,
			StepID:      res.stepID,
			Attempt:     res.attempt,
			Output:      res.output,
		})
	}

	typ := api.TransitionStepFailed
	if res.timedOut {
		typ = api.TransitionStepTimedOut
	}
	if err := d.append(ctx, &api.Transition{
		ExecutionID: d.executionID,
		Type:        typ,
		StepID:      res.stepID,
		Attempt:     res.attempt,
		Detail:      res.err.Error(),
	}); err != nil {
		return err
	}

	// Cancelled attempts are not retried; the abort drain ends the
	// execution once everything in flight has reported back.
	if d.aborting || res.aborted {
		return nil
	}

	if st.attempts < st.budget() {
		st.waiting = true
		delay := time.Duration(0)
		if st.spec.Retry != nil {
			delay = st.spec.Retry.Delay(st.attempts)
		}
		go func(stepID string, delay time.Duration) {
			if delay > 0 {
				time.Sleep(delay)
			}
			d.retries <- stepID
		}(res.stepID, delay)
		return nil
	}

	st.exhausted = true
	if st.spec.Optional {
		d.logger.Warn("optional step exhausted, skipping dependents",
			"execution_id", d.executionID, "step", res.stepID)
		return d.skipDependents(ctx, res.stepID,
			fmt.Sprintf("optional step %q failed", res.stepID))
	}

	if !d.failing {
		d.failing = true
		d.failDetail = fmt.Sprintf("step %q: %v", res.stepID, api.ErrRetryBudgetExhausted)
	}
	return nil
}

// skipDependents marks every step downstream of rootID as skipped, with
// a step.skipped transition each. Steps only sharing ancestry with the
// root keep running.
func (d *driver) skipDependents(ctx context.Context, rootID, cause string) error {
	unrunnable := map[string]string{rootID: cause}
	for changed := true; changed; {
		changed = false
		for _, s := range d.tpl.Steps {
			st := d.steps[s.ID]
			if st.resolved() || st.running {
				continue
			}
			for _, dep := range s.DependsOn {
				why, blocked := unrunnable[dep]
				if !blocked {
					continue
				}
				if err := d.append(ctx, &api.Transition{
					ExecutionID: d.executionID,
					Type:        api.TransitionStepSkipped,
					StepID:      s.ID,
					Detail:      why,
				}); err != nil {
					return err
				}
				st.skipped = true
				unrunnable[s.ID] = fmt.Sprintf("dependency %q skipped", s.ID)
				changed = true
				break
			}
		}
	}
	return nil
}

// maybeFinish appends the terminal transition once nothing is in flight
// and the outcome is decided.
func (d *driver) maybeFinish(ctx context.Context) (bool, error) {
	if d.inFlight > 0 {
		return false, nil
	}

	if d.aborting {
		return true, d.append(ctx, &api.Transition{
			ExecutionID: d.executionID,
			Type:        api.TransitionExecutionAborted,
			Detail:      d.abortReason,
		})
	}
	if d.failing {
		if d.settling() {
			return false, nil
		}
		return true, d.append(ctx, &api.Transition{
			ExecutionID: d.executionID,
			Type:        api.TransitionExecutionFailed,
			Detail:      d.failDetail,
		})
	}

	for _, st := range d.steps {
		if st.waiting {
			return false, nil
		}
		if !st.resolved() {
			return false, nil
		}
	}
	return true, d.append(ctx, &api.Transition{
		ExecutionID: d.executionID,
		Type:        api.TransitionExecutionCompleted,
	})
}

// settling reports whether any branch independent of the fatal failure
// can still make progress: a pending retry backoff, or an unresolved
// step whose predecessors may all yet succeed. Steps downstream of an
// exhausted or skipped step are doomed and never block finalization.
func (d *driver) settling() bool {
	doomed := make(map[string]bool, len(d.steps))
	for changed := true; changed; {
		changed = false
		for _, s := range d.tpl.Steps {
			if doomed[s.ID] {
				continue
			}
			st := d.steps[s.ID]
			if st.exhausted || st.skipped {
				doomed[s.ID] = true
				changed = true
				continue
			}
			if st.succeeded {
				continue
			}
			for _, dep := range s.DependsOn {
				if doomed[dep] {
					doomed[s.ID] = true
					changed = true
					break
				}
			}
		}
	}

	for _, s := range d.tpl.Steps {
		st := d.steps[s.ID]
		if st.waiting {
			return true
		}
		if !st.resolved() && !doomed[s.ID] {
			return true
		}
	}
	return false
}

// reconcile rebuilds driver state from a prior history. Attempts left
// open by a crash are closed with a failure transition and retried
// within the step's remaining budget, so attempt numbering stays
// gap-free across restarts.
func (d *driver) reconcile(ctx context.Context) error {
	rec := ledger.Replay(d.history)

	for _, a := range rec.Attempts {
		st, ok := d.steps[a.StepID]
		if !ok {
			continue
		}
		if a.Attempt > st.attempts {
			st.attempts = a.Attempt
		}
		switch a.Status {
		case api.AttemptSucceeded:
			st.succeeded = true
			st.output = a.Output
		case api.AttemptScheduled, api.AttemptRunning:
			if err := d.append(ctx, &api.Transition{
				ExecutionID: d.executionID,
				Type:        api.TransitionStepFailed,
				StepID:      a.StepID,
				Attempt:     a.Attempt,
				Detail:      "interrupted by restart",
			}); err != nil {
				return err
			}
		}
	}
	for _, id := range rec.Skipped {
		if st, ok := d.steps[id]; ok {
			st.skipped = true
		}
	}

	for _, s := range d.tpl.Steps {
		st := d.steps[s.ID]
		if st.succeeded || st.skipped || st.attempts < st.budget() {
			continue
		}
		st.exhausted = true
		if s.Optional {
			if err := d.skipDependents(ctx, s.ID,
				fmt.Sprintf("optional step %q failed", s.ID)); err != nil {
				return err
			}
			continue
		}
		if !d.failing {
			d.failing = true
			d.failDetail = fmt.Sprintf("step %q: %v", s.ID, api.ErrRetryBudgetExhausted)
		}
	}
	return nil
}

// append persists a transition, retrying transient ledger failures. On
// final failure the execution halts rather than proceed past an
// unpersisted transition; it stays active for recovery.
func (d *driver) append(ctx context.Context, t *api.Transition) error {
	var err error
	for i := 0; i <= d.cfg.AppendRetries; i++ {
		if i > 0 {
			time.Sleep(d.cfg.AppendBackoff)
		}
		if _, err = d.led.Append(ctx, t); err == nil {
			d.history = append(d.history, *t)
			return nil
		}
	}
	d.logger.Error("ledger append failed, halting execution",
		"execution_id", d.executionID, "transition", string(t.Type), "error", err)
	return fmt.Errorf("%w: %v", api.ErrLedgerWrite, err)
}

func (d *driver) record() *api.ExecutionRecord {
	return ledger.Replay(d.history)
}

// Package orchestrator drives workflow executions.
//
// Each execution is driven by exactly one driver goroutine, which is
// the only writer to that execution's ledger history. Step attempts run
// in worker goroutines that report back over a channel; all state
// transitions are persisted by the driver before it acts on them, so a
// crash at any point leaves a history that recovery can resume from.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/feed"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxInFlight caps concurrently running step attempts per execution.
	MaxInFlight int

	// LeaseTTL is the writer lease duration on an execution. The driver
	// renews at half the TTL while it runs.
	LeaseTTL time.Duration

	// AppendRetries / AppendBackoff control how often a failed ledger
	// append is retried before the execution halts with ErrLedgerWrite.
	AppendRetries int
	AppendBackoff time.Duration

	// DefaultTimeout applies to step attempts whose spec sets none.
	// Zero means no deadline.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight < 1 {
		c.MaxInFlight = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.AppendRetries < 0 {
		c.AppendRetries = 0
	}
	if c.AppendRetries == 0 {
		c.AppendRetries = 3
	}
	if c.AppendBackoff <= 0 {
		c.AppendBackoff = 50 * time.Millisecond
	}
	return c
}

// Engine implements api.Engine on top of a step registry, a definition
// store and a transition ledger.
type Engine struct {
	cfg    Config
	reg    *registry.Registry
	store  store.Store
	led    ledger.Ledger
	feed   feed.Feed
	obs    api.Observer
	logger *slog.Logger

	// owner identifies this engine process as a lease holder.
	owner string

	mu          sync.Mutex
	byInstance  map[string]*driverHandle
	byExecution map[string]*driverHandle
}

type driverHandle struct {
	instanceID  string
	executionID string
	abort       chan string
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine. feed, obs and logger may be nil.
func New(cfg Config, reg *registry.Registry, st store.Store, led ledger.Ledger, f feed.Feed, obs api.Observer, logger *slog.Logger) *Engine {
	if f == nil {
		f = feed.NopFeed{}
	}
	if obs == nil {
		obs = api.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg.withDefaults(),
		reg:         reg,
		store:       st,
		led:         led,
		feed:        f,
		obs:         obs,
		logger:      logger,
		owner:       uuid.NewString(),
		byInstance:  make(map[string]*driverHandle),
		byExecution: make(map[string]*driverHandle),
	}
}

func (e *Engine) RegisterHandler(kind string, h api.Handler) error {
	return e.reg.Register(kind, h)
}

func (e *Engine) PublishTemplate(ctx context.Context, draft api.TemplateDraft) (*api.WorkflowTemplate, error) {
	if err := store.ValidateDraft(draft); err != nil {
		return nil, err
	}
	for _, s := range draft.Steps {
		if _, err := e.reg.Resolve(s.Kind); err != nil {
			return nil, fmt.Errorf("step %q: %w", s.ID, err)
		}
	}

	id := draft.ID
	if id == "" {
		id = uuid.NewString()
	}
	latest, err := e.store.Templates.LatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}

	tpl := &api.WorkflowTemplate{
		ID:          id,
		Version:     latest + 1,
		Name:        draft.Name,
		Description: draft.Description,
		Category:    draft.Category,
		Tags:        draft.Tags,
		Inputs:      draft.Inputs,
		Steps:       draft.Steps,
		PublishedAt: time.Now(),
	}
	if err := e.store.Templates.SaveTemplate(ctx, tpl); err != nil {
		return nil, err
	}

	e.logger.Info("template published",
		"template_id", tpl.ID, "version", tpl.Version, "name", tpl.Name)
	e.publishFeed(ctx, feed.Event{
		Type:            feed.EventTemplatePublished,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		TemplateName:    tpl.Name,
	})
	return tpl, nil
}

func (e *Engine) Materialize(ctx context.Context, interp api.Interpreter, text string) (*api.WorkflowTemplate, error) {
	if interp == nil {
		return nil, fmt.Errorf("%w: interpreter is nil", api.ErrInvalidInput)
	}
	draft, err := interp.Interpret(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("interpret: %w", err)
	}
	return e.PublishTemplate(ctx, draft)
}

func (e *Engine) GetTemplate(ctx context.Context, id string, version int) (*api.WorkflowTemplate, error) {
	return e.store.Templates.GetTemplate(ctx, id, version)
}

func (e *Engine) ListTemplates(ctx context.Context, f api.TemplateFilter) ([]*api.WorkflowTemplate, error) {
	return e.store.Templates.ListTemplates(ctx, f)
}

func (e *Engine) CreateInstance(ctx context.Context, templateID string, version int, inputs map[string]any, owner string) (*api.WorkflowInstance, error) {
	tpl, err := e.store.Templates.GetTemplate(ctx, templateID, version)
	if err != nil {
		return nil, err
	}
	if err := store.BindInputs(tpl, inputs); err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:              uuid.NewString(),
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Owner:           owner,
		Inputs:          inputs,
		Status:          api.InstanceCreated,
		CreatedAt:       time.Now(),
	}
	if err := e.store.Instances.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.store.Instances.GetInstance(ctx, id)
}

func (e *Engine) ListInstances(ctx context.Context, f api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	return e.store.Instances.ListInstances(ctx, f)
}

func (e *Engine) Execute(ctx context.Context, instanceID string) (*api.ExecutionRecord, error) {
	inst, err := e.store.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tpl, err := e.store.Templates.GetTemplate(ctx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		return nil, err
	}

	h, err := e.registerDriver(instanceID, uuid.NewString())
	if err != nil {
		return nil, err
	}
	defer e.unregisterDriver(h)

	return e.drive(ctx, h, tpl, inst, nil)
}

func (e *Engine) GetExecution(ctx context.Context, executionID string) (*api.ExecutionRecord, error) {
	history, err := e.led.History(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%s: %w", executionID, ledger.ErrExecutionNotFound)
	}
	return ledger.Replay(history), nil
}

func (e *Engine) Abort(ctx context.Context, executionID string, reason string) error {
	e.mu.Lock()
	h := e.byExecution[executionID]
	e.mu.Unlock()

	if h != nil {
		// Non-blocking: a second abort of the same execution is a no-op.
		select {
		case h.abort <- reason:
		default:
		}
		return nil
	}

	// No local driver. The execution may be terminal, unknown, or an
	// interrupted execution that has not been recovered; the latter is
	// finalized directly, under the writer lease so a driver in another
	// process cannot append past the abort.
	history, err := e.led.History(ctx, executionID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("%s: %w", executionID, ledger.ErrExecutionNotFound)
	}

	acquired, err := e.led.TryAcquireLease(ctx, executionID, e.owner, e.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("execution %s lease held elsewhere: %w",
			executionID, api.ErrConcurrentModification)
	}
	defer func() {
		if err := e.led.ReleaseLease(context.WithoutCancel(ctx), executionID, e.owner); err != nil {
			e.logger.Warn("lease release failed",
				"execution_id", executionID, "error", err)
		}
	}()

	// Re-read under the lease; the previous holder may have finalized
	// between the first read and the acquire.
	history, err = e.led.History(ctx, executionID)
	if err != nil {
		return err
	}
	rec := ledger.Replay(history)
	if rec.Status.Terminal() {
		return fmt.Errorf("%s: %w", executionID, api.ErrExecutionTerminal)
	}

	if _, err := e.led.Append(ctx, &api.Transition{
		ExecutionID: executionID,
		Type:        api.TransitionExecutionAborted,
		Detail:      reason,
	}); err != nil {
		return fmt.Errorf("%w: %v", api.ErrLedgerWrite, err)
	}
	if err := e.store.Instances.UpdateInstanceStatus(ctx, rec.InstanceID, api.InstanceAborted); err != nil {
		e.logger.Warn("instance status update failed after abort",
			"instance_id", rec.InstanceID, "error", err)
	}
	e.publishFeed(ctx, feed.Event{
		Type:            feed.EventExecutionStatus,
		TemplateID:      rec.TemplateID,
		TemplateVersion: rec.TemplateVersion,
		InstanceID:      rec.InstanceID,
		ExecutionID:     executionID,
		Status:          string(api.ExecutionAborted),
	})
	return nil
}

func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.led.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		ok, err := e.resume(ctx, id)
		if err != nil {
			e.logger.Warn("recovery failed for execution",
				"execution_id", id, "error", err)
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

// resume re-drives one interrupted execution. Returns false without
// error when the execution is already driven here or leased elsewhere.
func (e *Engine) resume(ctx context.Context, executionID string) (bool, error) {
	e.mu.Lock()
	_, busy := e.byExecution[executionID]
	e.mu.Unlock()
	if busy {
		return false, nil
	}

	history, err := e.led.History(ctx, executionID)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		return false, nil
	}
	rec := ledger.Replay(history)
	if rec.Status.Terminal() {
		return false, nil
	}

	inst, err := e.store.Instances.GetInstance(ctx, rec.InstanceID)
	if err != nil {
		return false, err
	}
	tpl, err := e.store.Templates.GetTemplate(ctx, rec.TemplateID, rec.TemplateVersion)
	if err != nil {
		return false, err
	}

	h, err := e.registerDriver(inst.ID, executionID)
	if err != nil {
		return false, nil
	}
	defer e.unregisterDriver(h)

	e.logger.Info("resuming interrupted execution",
		"execution_id", executionID, "instance_id", inst.ID)

	if _, err := e.drive(ctx, h, tpl, inst, history); err != nil {
		if errors.Is(err, api.ErrConcurrentModification) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// drive acquires the writer lease and runs the driver loop to a
// terminal status (or to a halt on a ledger failure).
func (e *Engine) drive(ctx context.Context, h *driverHandle, tpl *api.WorkflowTemplate, inst *api.WorkflowInstance, history []api.Transition) (*api.ExecutionRecord, error) {
	acquired, err := e.led.TryAcquireLease(ctx, h.executionID, e.owner, e.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("execution %s lease held elsewhere: %w",
			h.executionID, api.ErrConcurrentModification)
	}
	defer func() {
		if err := e.led.ReleaseLease(context.WithoutCancel(ctx), h.executionID, e.owner); err != nil {
			e.logger.Warn("lease release failed",
				"execution_id", h.executionID, "error", err)
		}
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go e.renewLease(renewCtx, h.executionID)

	if err := e.store.Instances.UpdateInstanceStatus(ctx, inst.ID, api.InstanceRunning); err != nil {
		return nil, err
	}
	e.publishFeed(ctx, feed.Event{
		Type:            feed.EventExecutionStatus,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		InstanceID:      inst.ID,
		ExecutionID:     h.executionID,
		Status:          string(api.ExecutionRunning),
	})

	d := &driver{
		cfg:         e.cfg,
		reg:         e.reg,
		led:         e.led,
		obs:         e.obs,
		logger:      e.logger,
		tpl:         tpl,
		inst:        inst,
		executionID: h.executionID,
		history:     history,
		abort:       h.abort,
	}
	rec, runErr := d.run(ctx)

	if rec != nil && rec.Status.Terminal() {
		if err := e.store.Instances.UpdateInstanceStatus(ctx, inst.ID, instanceStatusFor(rec.Status)); err != nil {
			e.logger.Warn("instance status update failed",
				"instance_id", inst.ID, "error", err)
		}
		e.publishFeed(ctx, feed.Event{
			Type:            feed.EventExecutionStatus,
			TemplateID:      tpl.ID,
			TemplateVersion: tpl.Version,
			InstanceID:      inst.ID,
			ExecutionID:     h.executionID,
			Status:          string(rec.Status),
		})
	}
	return rec, runErr
}

func (e *Engine) renewLease(ctx context.Context, executionID string) {
	ticker := time.NewTicker(e.cfg.LeaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.led.RenewLease(ctx, executionID, e.owner, e.cfg.LeaseTTL); err != nil {
				e.logger.Warn("lease renewal failed",
					"execution_id", executionID, "error", err)
			}
		}
	}
}

func (e *Engine) registerDriver(instanceID, executionID string) (*driverHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.byInstance[instanceID]; busy {
		return nil, fmt.Errorf("instance %s: %w", instanceID, api.ErrConcurrentModification)
	}
	h := &driverHandle{
		instanceID:  instanceID,
		executionID: executionID,
		abort:       make(chan string, 1),
	}
	e.byInstance[instanceID] = h
	e.byExecution[executionID] = h
	return h, nil
}

func (e *Engine) unregisterDriver(h *driverHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byInstance, h.instanceID)
	delete(e.byExecution, h.executionID)
}

func (e *Engine) publishFeed(ctx context.Context, ev feed.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := e.feed.Publish(ctx, ev); err != nil {
		e.logger.Warn("feed publish failed", "event", string(ev.Type), "error", err)
	}
}

func instanceStatusFor(s api.ExecutionStatus) api.InstanceStatus {
	switch s {
	case api.ExecutionCompleted:
		return api.InstanceCompleted
	case api.ExecutionFailed:
		return api.InstanceFailed
	case api.ExecutionAborted:
		return api.InstanceAborted
	default:
		return api.InstanceRunning
	}
}

// Package query is the read side of the workflow core: browsing
// templates and instances, reconstructing execution records and free
// text search over published templates.
//
// Search runs against a SearchIndex kept current by consuming the
// change feed; the index stores references only, and hits are hydrated
// from the definition store so search never serves stale template
// bodies.
package query

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/feed"
)

// SearchHit is one index match, referencing a template version.
type SearchHit struct {
	TemplateID      string
	TemplateVersion int
	Score           float64
}

// SearchIndex is the pluggable full-text index over templates.
type SearchIndex interface {
	// IndexTemplate makes a template version findable. Indexing the same
	// template ID again replaces the previous entry.
	IndexTemplate(ctx context.Context, tpl *api.WorkflowTemplate) error

	// Search returns hits for a free-text query, best first.
	Search(ctx context.Context, text string) ([]SearchHit, error)
}

// Service answers read queries against an engine.
type Service struct {
	engine api.Engine
	index  SearchIndex
	logger *slog.Logger
}

// New creates a query Service. index may be nil, in which case
// SearchByText returns no results; logger may be nil.
func New(engine api.Engine, index SearchIndex, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, index: index, logger: logger}
}

// ListWorkflows returns the latest version of each template matching
// the filter.
func (s *Service) ListWorkflows(ctx context.Context, f api.TemplateFilter) ([]*api.WorkflowTemplate, error) {
	return s.engine.ListTemplates(ctx, f)
}

// GetWorkflow returns one template version (latest when version <= 0).
func (s *Service) GetWorkflow(ctx context.Context, id string, version int) (*api.WorkflowTemplate, error) {
	return s.engine.GetTemplate(ctx, id, version)
}

func (s *Service) ListInstances(ctx context.Context, f api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	return s.engine.ListInstances(ctx, f)
}

func (s *Service) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return s.engine.GetInstance(ctx, id)
}

// GetExecution rebuilds an execution record from its persisted history.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*api.ExecutionRecord, error) {
	return s.engine.GetExecution(ctx, executionID)
}

// SearchByText queries the search index and hydrates each hit from the
// definition store. A non-empty category narrows the results; hits
// whose template has disappeared are dropped.
func (s *Service) SearchByText(ctx context.Context, text, category string) ([]*api.WorkflowTemplate, error) {
	if s.index == nil {
		return nil, nil
	}
	hits, err := s.index.Search(ctx, text)
	if err != nil {
		return nil, err
	}

	out := make([]*api.WorkflowTemplate, 0, len(hits))
	for _, hit := range hits {
		tpl, err := s.engine.GetTemplate(ctx, hit.TemplateID, hit.TemplateVersion)
		if err != nil {
			if errors.Is(err, api.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if category != "" && tpl.Category != category {
			continue
		}
		out = append(out, tpl)
	}
	return out, nil
}

// Apply feeds one change event into the search index. Intended to be
// driven by a feed consumer:
//
//	for ev := range ch.Events() {
//		svc.Apply(ctx, ev)
//	}
func (s *Service) Apply(ctx context.Context, ev feed.Event) error {
	if s.index == nil || ev.Type != feed.EventTemplatePublished {
		return nil
	}
	tpl, err := s.engine.GetTemplate(ctx, ev.TemplateID, ev.TemplateVersion)
	if err != nil {
		return err
	}
	return s.index.IndexTemplate(ctx, tpl)
}

// Consume applies feed events from ch until ctx is cancelled or ch is
// closed. Index errors are logged, not fatal.
func (s *Service) Consume(ctx context.Context, ch <-chan feed.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Apply(ctx, ev); err != nil {
				s.logger.Warn("search index update failed",
					"template_id", ev.TemplateID, "error", err)
			}
		}
	}
}

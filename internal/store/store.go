// Package store holds workflow templates and instances.
//
// Templates are immutable once published: SaveTemplate refuses to
// overwrite an existing (id, version) pair, and a new edit is persisted
// as a new version.
package store

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/api"
)

var (
	// ErrTemplateNotFound is returned when a template (or the requested
	// version of it) does not exist. It wraps api.ErrNotFound.
	ErrTemplateNotFound = fmt.Errorf("workflow template %w", api.ErrNotFound)

	// ErrInstanceNotFound is returned when a workflow instance does not
	// exist. It wraps api.ErrNotFound.
	ErrInstanceNotFound = fmt.Errorf("workflow instance %w", api.ErrNotFound)

	// ErrVersionExists is returned when SaveTemplate would overwrite an
	// already-published (id, version) pair.
	ErrVersionExists = fmt.Errorf("template version already published")
)

// TemplateStore handles storage of published workflow templates.
type TemplateStore interface {
	// SaveTemplate persists tpl. The (ID, Version) pair must not exist.
	SaveTemplate(ctx context.Context, tpl *api.WorkflowTemplate) error

	// GetTemplate returns the given version, or the latest when
	// version <= 0.
	GetTemplate(ctx context.Context, id string, version int) (*api.WorkflowTemplate, error)

	// LatestVersion returns the highest published version for id, or 0
	// when no version exists.
	LatestVersion(ctx context.Context, id string) (int, error)

	ListTemplates(ctx context.Context, f api.TemplateFilter) ([]*api.WorkflowTemplate, error)
}

// InstanceStore handles storage of workflow instances.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstanceStatus(ctx context.Context, id string, status api.InstanceStatus) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, f api.InstanceFilter) ([]*api.WorkflowInstance, error)
}

// Store bundles the two definition-side stores an engine is built on.
type Store struct {
	Templates TemplateStore
	Instances InstanceStore
}

func matchTemplate(tpl *api.WorkflowTemplate, f api.TemplateFilter) bool {
	if f.Name != "" && tpl.Name != f.Name {
		return false
	}
	if f.Category != "" && tpl.Category != f.Category {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range tpl.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchInstance(inst *api.WorkflowInstance, f api.InstanceFilter) bool {
	if f.TemplateID != "" && inst.TemplateID != f.TemplateID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

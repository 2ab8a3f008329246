package store

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/api"
)

// InMemoryStore is a goroutine-safe TemplateStore + InstanceStore backed
// by maps. Non-durable; intended for tests and development.
type InMemoryStore struct {
	mu        sync.RWMutex
	templates map[string]map[int]*api.WorkflowTemplate
	instances map[string]*api.WorkflowInstance
}

var (
	_ TemplateStore = (*InMemoryStore)(nil)
	_ InstanceStore = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		templates: make(map[string]map[int]*api.WorkflowTemplate),
		instances: make(map[string]*api.WorkflowInstance),
	}
}

func (s *InMemoryStore) SaveTemplate(ctx context.Context, tpl *api.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.templates[tpl.ID]
	if versions == nil {
		versions = make(map[int]*api.WorkflowTemplate)
		s.templates[tpl.ID] = versions
	}
	if _, exists := versions[tpl.Version]; exists {
		return ErrVersionExists
	}

	cp := *tpl
	versions[tpl.Version] = &cp
	return nil
}

func (s *InMemoryStore) GetTemplate(ctx context.Context, id string, version int) (*api.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.templates[id]
	if len(versions) == 0 {
		return nil, ErrTemplateNotFound
	}
	if version <= 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	tpl, ok := versions[version]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *tpl
	return &cp, nil
}

func (s *InMemoryStore) LatestVersion(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for v := range s.templates[id] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListTemplates(ctx context.Context, f api.TemplateFilter) ([]*api.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowTemplate
	for _, versions := range s.templates {
		latest := 0
		for v := range versions {
			if v > latest {
				latest = v
			}
		}
		tpl := versions[latest]
		if matchTemplate(tpl, f) {
			cp := *tpl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateInstanceStatus(ctx context.Context, id string, status api.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.Status = status
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, f api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowInstance
	for _, inst := range s.instances {
		if matchInstance(inst, f) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

package query

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom/pkg/api"
)

// MemoryIndex is a process-local SearchIndex scoring templates by token
// overlap between the query and the template's name, description, tags
// and step names. It keeps the latest indexed version per template.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

type indexEntry struct {
	version int
	tokens  map[string]bool
}

var _ SearchIndex = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]indexEntry)}
}

func (ix *MemoryIndex) IndexTemplate(ctx context.Context, tpl *api.WorkflowTemplate) error {
	tokens := make(map[string]bool)
	add := func(text string) {
		for _, tok := range tokenize(text) {
			tokens[tok] = true
		}
	}
	add(tpl.Name)
	add(tpl.Description)
	for _, tag := range tpl.Tags {
		add(tag)
	}
	for _, s := range tpl.Steps {
		add(s.Name)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[tpl.ID] = indexEntry{version: tpl.Version, tokens: tokens}
	return nil
}

func (ix *MemoryIndex) Search(ctx context.Context, text string) ([]SearchHit, error) {
	queryTokens := tokenize(text)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var hits []SearchHit
	for id, entry := range ix.entries {
		matched := 0
		for _, tok := range queryTokens {
			if entry.tokens[tok] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, SearchHit{
			TemplateID:      id,
			TemplateVersion: entry.version,
			Score:           float64(matched) / float64(len(queryTokens)),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].TemplateID < hits[j].TemplateID
	})
	return hits, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

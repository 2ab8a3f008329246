package loom

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// TemplateBuilder provides a fluent API for defining workflow drafts in
// code, as an alternative to an Interpreter:
//
//	tpl, err := loom.NewTemplate("Onboard customer").
//	    Input("customer_id", "Customer to onboard", true).
//	    Step("create", "account.create").
//	        Param("customer", "$input.customer_id").
//	    Then("welcome", "email.send").
//	        Param("account", "$step.create").
//	        Retry(loom.Retry(3).WithConstantBackoff(time.Second).Policy()).
//	    Publish(ctx, engine)
type TemplateBuilder struct {
	draft api.TemplateDraft
}

// NewTemplate creates a builder for a new template with the given name.
func NewTemplate(name string) *TemplateBuilder {
	return &TemplateBuilder{
		draft: api.TemplateDraft{
			Name:  name,
			Steps: make([]api.StepSpec, 0),
		},
	}
}

// ForTemplate ties the draft to an existing template line, so
// publishing creates the next version of that template instead of a
// new one.
func (b *TemplateBuilder) ForTemplate(id string) *TemplateBuilder {
	b.draft.ID = id
	return b
}

// Describe sets the template description.
func (b *TemplateBuilder) Describe(description string) *TemplateBuilder {
	b.draft.Description = description
	return b
}

// Category sets the template category.
func (b *TemplateBuilder) Category(category string) *TemplateBuilder {
	b.draft.Category = category
	return b
}

// Tags appends template tags.
func (b *TemplateBuilder) Tags(tags ...string) *TemplateBuilder {
	b.draft.Tags = append(b.draft.Tags, tags...)
	return b
}

// Input declares an invocation input the template expects.
func (b *TemplateBuilder) Input(name, description string, required bool) *TemplateBuilder {
	b.draft.Inputs = append(b.draft.Inputs, api.InputSpec{
		Name:        name,
		Description: description,
		Required:    required,
	})
	return b
}

// Step appends a root step (no dependencies) and returns a StepBuilder
// for refining it.
func (b *TemplateBuilder) Step(id, kind string) *StepBuilder {
	return b.addStep(id, kind, nil)
}

// Draft returns the accumulated draft. Validation happens at publish
// time.
func (b *TemplateBuilder) Draft() TemplateDraft {
	return b.draft
}

// Publish publishes the draft on the given engine.
func (b *TemplateBuilder) Publish(ctx context.Context, eng Engine) (*WorkflowTemplate, error) {
	return eng.PublishTemplate(ctx, b.draft)
}

func (b *TemplateBuilder) addStep(id, kind string, deps []string) *StepBuilder {
	if id == "" {
		panic("loom: step ID must not be empty")
	}
	if kind == "" {
		panic(fmt.Sprintf("loom: step %q has empty kind", id))
	}
	b.draft.Steps = append(b.draft.Steps, api.StepSpec{
		ID:        id,
		Kind:      kind,
		DependsOn: deps,
	})
	return &StepBuilder{b: b, idx: len(b.draft.Steps) - 1}
}

// StepBuilder refines the step most recently added to a
// TemplateBuilder. All template-level methods remain reachable through
// it, so a whole draft reads as one chain.
type StepBuilder struct {
	b   *TemplateBuilder
	idx int
}

func (s *StepBuilder) spec() *api.StepSpec {
	return &s.b.draft.Steps[s.idx]
}

// Named sets the step's display name.
func (s *StepBuilder) Named(name string) *StepBuilder {
	s.spec().Name = name
	return s
}

// Param binds one step parameter. The value is a literal or a
// "$input.NAME" / "$step.ID" reference.
func (s *StepBuilder) Param(key, value string) *StepBuilder {
	sp := s.spec()
	if sp.Params == nil {
		sp.Params = make(map[string]string)
	}
	sp.Params[key] = value
	return s
}

// DependsOn adds predecessor step IDs.
func (s *StepBuilder) DependsOn(ids ...string) *StepBuilder {
	sp := s.spec()
	sp.DependsOn = append(sp.DependsOn, ids...)
	return s
}

// Optional marks the step optional: exhausting its retry budget skips
// its dependents instead of failing the execution.
func (s *StepBuilder) Optional() *StepBuilder {
	s.spec().Optional = true
	return s
}

// Retry sets the step's retry policy.
func (s *StepBuilder) Retry(p RetryPolicy) *StepBuilder {
	// Copy so callers can reuse or mutate their policy value.
	r := p
	s.spec().Retry = &r
	return s
}

// Timeout sets the wall-clock limit per attempt.
func (s *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	s.spec().Timeout = d
	return s
}

// Then appends a new step depending on the current one, turning a plain
// chain of Then calls into a sequential pipeline.
func (s *StepBuilder) Then(id, kind string) *StepBuilder {
	return s.b.addStep(id, kind, []string{s.spec().ID})
}

// Step appends a new independent root step.
func (s *StepBuilder) Step(id, kind string) *StepBuilder {
	return s.b.addStep(id, kind, nil)
}

// Input declares an invocation input on the underlying template.
func (s *StepBuilder) Input(name, description string, required bool) *StepBuilder {
	s.b.Input(name, description, required)
	return s
}

// Draft returns the accumulated draft.
func (s *StepBuilder) Draft() TemplateDraft {
	return s.b.draft
}

// Publish publishes the draft on the given engine.
func (s *StepBuilder) Publish(ctx context.Context, eng Engine) (*WorkflowTemplate, error) {
	return s.b.Publish(ctx, eng)
}

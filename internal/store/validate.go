package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/pkg/api"
)

// Param reference prefixes. Anything else is a literal.
const (
	inputRefPrefix = "$input."
	stepRefPrefix  = "$step."
)

// ValidateDraft checks a template draft before publishing. Drafts come
// from untrusted sources (an interpreter, an API caller), so everything
// is verified: identity, step references, parameter references and the
// shape of the dependency graph.
//
// Validation failures wrap api.ErrInvalidInput, except cycles which are
// reported as *api.CycleError.
func ValidateDraft(d api.TemplateDraft) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: template name is required", api.ErrInvalidInput)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: template must have at least one step", api.ErrInvalidInput)
	}

	inputs := make(map[string]bool, len(d.Inputs))
	for _, in := range d.Inputs {
		if strings.TrimSpace(in.Name) == "" {
			return fmt.Errorf("%w: input name is required", api.ErrInvalidInput)
		}
		if inputs[in.Name] {
			return fmt.Errorf("%w: duplicate input %q", api.ErrInvalidInput, in.Name)
		}
		inputs[in.Name] = true
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: step ID is required", api.ErrInvalidInput)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step ID %q", api.ErrInvalidInput, s.ID)
		}
		if strings.TrimSpace(s.Kind) == "" {
			return fmt.Errorf("%w: step %q has no kind", api.ErrInvalidInput, s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range d.Steps {
		deps := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("%w: step %q depends on itself", api.ErrInvalidInput, s.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", api.ErrInvalidInput, s.ID, dep)
			}
			if deps[dep] {
				return fmt.Errorf("%w: step %q lists dependency %q twice", api.ErrInvalidInput, s.ID, dep)
			}
			deps[dep] = true
		}

		for key, val := range s.Params {
			switch {
			case strings.HasPrefix(val, inputRefPrefix):
				name := strings.TrimPrefix(val, inputRefPrefix)
				if !inputs[name] {
					return fmt.Errorf("%w: step %q param %q references undeclared input %q",
						api.ErrInvalidInput, s.ID, key, name)
				}
			case strings.HasPrefix(val, stepRefPrefix):
				ref := strings.TrimPrefix(val, stepRefPrefix)
				if !deps[ref] {
					return fmt.Errorf("%w: step %q param %q references %q which is not a declared predecessor",
						api.ErrInvalidInput, s.ID, key, ref)
				}
			}
		}
	}

	return checkAcyclic(d.Steps)
}

// checkAcyclic runs Kahn's algorithm over the step graph. Steps left
// unprocessed after the topological pass are exactly the ones on (or
// downstream of) a cycle; the residual set is reported sorted so the
// error message is deterministic.
func checkAcyclic(steps []api.StepSpec) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(steps) {
		return nil
	}

	var residual []string
	for id, n := range indegree {
		if n > 0 {
			residual = append(residual, id)
		}
	}
	sort.Strings(residual)
	return &api.CycleError{Steps: residual}
}

// BindInputs verifies invocation inputs against the template's declared
// inputs: every required input must be present and every supplied input
// must be declared.
func BindInputs(tpl *api.WorkflowTemplate, inputs map[string]any) error {
	declared := make(map[string]bool, len(tpl.Inputs))
	for _, in := range tpl.Inputs {
		declared[in.Name] = true
		if in.Required {
			v, ok := inputs[in.Name]
			if !ok || v == nil {
				return fmt.Errorf("%w: required input %q is missing", api.ErrInvalidInput, in.Name)
			}
		}
	}
	for name := range inputs {
		if !declared[name] {
			return fmt.Errorf("%w: input %q is not declared by the template", api.ErrInvalidInput, name)
		}
	}
	return nil
}

// InputRef returns the input name if val is an $input reference.
func InputRef(val string) (string, bool) {
	if strings.HasPrefix(val, inputRefPrefix) {
		return strings.TrimPrefix(val, inputRefPrefix), true
	}
	return "", false
}

// StepRef returns the step ID if val is a $step reference.
func StepRef(val string) (string, bool) {
	if strings.HasPrefix(val, stepRefPrefix) {
		return strings.TrimPrefix(val, stepRefPrefix), true
	}
	return "", false
}

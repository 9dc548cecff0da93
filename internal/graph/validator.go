package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/approvals/internal/condition"
	"github.com/pitabwire/approvals/model"
)

// VError describes a single structural problem in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation codes.
const (
	CodeRequired             = "REQUIRED"
	CodeDuplicate            = "DUPLICATE"
	CodeUnknownStep          = "UNKNOWN_STEP"
	CodeSelfLoop             = "SELF_LOOP"
	CodeInvalidKind          = "INVALID_KIND"
	CodeConditionsNotAllowed = "CONDITIONS_NOT_ALLOWED"
	CodeDuplicateDependency  = "DUPLICATE_DEPENDENCY"
	CodeInvalidStatus        = "INVALID_STATUS"
	CodeCycle                = "CYCLE"
	CodeUnsupportedCondition = "UNSUPPORTED_CONDITION"
)

// Validator checks definitions for missing fields, dangling references,
// self-loops and cycles. With strict conditions enabled, condition
// parameters that do not parse are rejected up front instead of failing
// closed at evaluation time.
type Validator struct {
	strictConditions bool
}

// NewValidator creates a new Validator.
func NewValidator(strictConditions bool) *Validator {
	return &Validator{strictConditions: strictConditions}
}

// Validate checks all definitions, including uniqueness of workflow types,
// step ids and dependency ids across the whole set.
func (v *Validator) Validate(defs []Definition) []VError {
	var errs []VError

	types := make(map[string]int)
	stepIDs := make(map[string]string)
	depIDs := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("graphs[%d]", i)
		errs = append(errs, v.ValidateDefinition(prefix, def)...)

		if def.WorkflowType != "" {
			if j, dup := types[def.WorkflowType]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".workflow_type",
					Code:    CodeDuplicate,
					Message: fmt.Sprintf("workflow type %q already defined by graphs[%d]", def.WorkflowType, j),
				})
			} else {
				types[def.WorkflowType] = i
			}
		}
		for j, s := range def.Steps {
			if s.ID == "" {
				continue
			}
			if other, dup := stepIDs[s.ID]; dup && other != def.WorkflowType {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.steps[%d].id", prefix, j),
					Code:    CodeDuplicate,
					Message: fmt.Sprintf("step id %q is already used by workflow type %q", s.ID, other),
				})
			}
			stepIDs[s.ID] = def.WorkflowType
		}
		for j, d := range def.Dependencies {
			if d.ID == "" {
				continue
			}
			if other, dup := depIDs[d.ID]; dup && other != def.WorkflowType {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.dependencies[%d].id", prefix, j),
					Code:    CodeDuplicate,
					Message: fmt.Sprintf("dependency id %q is already used by workflow type %q", d.ID, other),
				})
			}
			depIDs[d.ID] = def.WorkflowType
		}
	}
	return errs
}

// ValidateDefinition checks a single definition. prefix is prepended to
// every error path.
func (v *Validator) ValidateDefinition(prefix string, def Definition) []VError {
	var errs []VError

	if def.WorkflowType == "" {
		errs = append(errs, VError{Path: prefix + ".workflow_type", Code: CodeRequired, Message: "workflow_type is required"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: CodeRequired, Message: "at least one step is required"})
	}

	steps := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeRequired, Message: "step id is required"})
			continue
		}
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: CodeRequired, Message: "step name is required"})
		}
		if steps[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		steps[s.ID] = true
	}

	depIDs := make(map[string]bool, len(def.Dependencies))
	edges := make(map[[2]string]bool, len(def.Dependencies))
	condIDs := make(map[string]bool)
	for i, d := range def.Dependencies {
		dp := fmt.Sprintf("%s.dependencies[%d]", prefix, i)

		if d.ID == "" {
			errs = append(errs, VError{Path: dp + ".id", Code: CodeRequired, Message: "dependency id is required"})
		} else if depIDs[d.ID] {
			errs = append(errs, VError{Path: dp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("duplicate dependency id %q", d.ID)})
		}
		depIDs[d.ID] = true

		if d.Parent == "" {
			errs = append(errs, VError{Path: dp + ".parent", Code: CodeRequired, Message: "parent step is required"})
		} else if !steps[d.Parent] {
			errs = append(errs, VError{Path: dp + ".parent", Code: CodeUnknownStep, Message: fmt.Sprintf("parent step %q is not defined", d.Parent)})
		}
		if d.Child == "" {
			errs = append(errs, VError{Path: dp + ".child", Code: CodeRequired, Message: "child step is required"})
		} else if !steps[d.Child] {
			errs = append(errs, VError{Path: dp + ".child", Code: CodeUnknownStep, Message: fmt.Sprintf("child step %q is not defined", d.Child)})
		}
		if d.Parent != "" && d.Parent == d.Child {
			errs = append(errs, VError{Path: dp, Code: CodeSelfLoop, Message: fmt.Sprintf("step %q depends on itself", d.Parent)})
		}

		edge := [2]string{d.Parent, d.Child}
		if edges[edge] {
			errs = append(errs, VError{Path: dp, Code: CodeDuplicateDependency, Message: fmt.Sprintf("edge %s -> %s is declared twice", d.Parent, d.Child)})
		}
		edges[edge] = true

		if !d.Kind.Valid() {
			errs = append(errs, VError{Path: dp + ".kind", Code: CodeInvalidKind, Message: fmt.Sprintf("kind %q must be one of all, any, specific", d.Kind)})
		}
		if d.Kind != model.ConditionSpecific && len(d.Conditions) > 0 {
			errs = append(errs, VError{Path: dp + ".conditions", Code: CodeConditionsNotAllowed, Message: "conditions are only allowed on specific dependencies"})
		}
		for j, c := range d.Conditions {
			errs = append(errs, v.validateCondition(fmt.Sprintf("%s.conditions[%d]", dp, j), c, condIDs)...)
		}
	}

	errs = append(errs, findCycles(prefix, def, steps)...)
	return errs
}

// ValidateCondition checks a condition attached after installation.
func (v *Validator) ValidateCondition(c ConditionDef) []VError {
	return v.validateCondition("condition", c, map[string]bool{})
}

func (v *Validator) validateCondition(path string, c ConditionDef, seen map[string]bool) []VError {
	var errs []VError
	if c.ID == "" {
		errs = append(errs, VError{Path: path + ".id", Code: CodeRequired, Message: "condition id is required"})
	} else if seen[c.ID] {
		errs = append(errs, VError{Path: path + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("duplicate condition id %q", c.ID)})
	}
	seen[c.ID] = true

	if c.RequiredApprovalID == "" {
		errs = append(errs, VError{Path: path + ".required_approval_id", Code: CodeRequired, Message: "required_approval_id is required"})
	}
	if c.RequiredStatus != "" && !c.RequiredStatus.Valid() {
		errs = append(errs, VError{Path: path + ".required_status", Code: CodeInvalidStatus, Message: fmt.Sprintf("unknown approval status %q", c.RequiredStatus)})
	}
	if v.strictConditions && strings.TrimSpace(c.Parameter) != "" {
		if _, err := condition.Parse(c.Parameter); err != nil {
			errs = append(errs, VError{Path: path + ".parameter", Code: CodeUnsupportedCondition, Message: err.Error()})
		}
	}
	return errs
}

// findCycles runs Kahn's algorithm over the known steps. Any step left with
// a non-zero in-degree sits on or behind a cycle.
func findCycles(prefix string, def Definition, steps map[string]bool) []VError {
	indegree := make(map[string]int, len(steps))
	children := make(map[string][]string, len(steps))
	for id := range steps {
		indegree[id] = 0
	}
	for _, d := range def.Dependencies {
		if !steps[d.Parent] || !steps[d.Child] || d.Parent == d.Child {
			continue
		}
		children[d.Parent] = append(children[d.Parent], d.Child)
		indegree[d.Child]++
	}

	queue := make([]string, 0, len(steps))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if visited == len(steps) {
		return nil
	}

	var stuck []string
	for id, n := range indegree {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return []VError{{
		Path:    prefix + ".dependencies",
		Code:    CodeCycle,
		Message: fmt.Sprintf("dependency graph contains a cycle through steps %s", strings.Join(stuck, ", ")),
	}}
}

// ToFieldErrors converts validation errors into envelope details.
func ToFieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		out = append(out, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return out
}

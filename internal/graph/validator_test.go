package graph

import (
	"strings"
	"testing"

	"github.com/pitabwire/approvals/model"
)

func validDefinition() Definition {
	return Definition{
		WorkflowType: "purchase",
		Steps: []StepDef{
			{ID: "manager", Name: "Manager", Order: 1},
			{ID: "director", Name: "Director", Order: 2},
			{ID: "cfo", Name: "CFO", Order: 3},
		},
		Dependencies: []DependencyDef{
			{ID: "d1", Parent: "manager", Child: "director", Kind: model.ConditionAll},
			{ID: "d2", Parent: "director", Child: "cfo", Kind: model.ConditionSpecific, Conditions: []ConditionDef{
				{ID: "c1", RequiredApprovalID: "rec-1", Parameter: "Amount > 5000"},
			}},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	v := NewValidator(true)
	if errs := v.Validate([]Definition{validDefinition()}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		code   string
	}{
		{"missing workflow type", func(d *Definition) { d.WorkflowType = "" }, CodeRequired},
		{"no steps", func(d *Definition) { d.Steps = nil; d.Dependencies = nil }, CodeRequired},
		{"missing step name", func(d *Definition) { d.Steps[0].Name = "" }, CodeRequired},
		{"duplicate step", func(d *Definition) { d.Steps[1].ID = "manager" }, CodeDuplicate},
		{"duplicate dependency id", func(d *Definition) { d.Dependencies[1].ID = "d1" }, CodeDuplicate},
		{"unknown parent", func(d *Definition) { d.Dependencies[0].Parent = "ghost" }, CodeUnknownStep},
		{"unknown child", func(d *Definition) { d.Dependencies[0].Child = "ghost" }, CodeUnknownStep},
		{"self loop", func(d *Definition) { d.Dependencies[0].Child = "manager" }, CodeSelfLoop},
		{"invalid kind", func(d *Definition) { d.Dependencies[0].Kind = "most" }, CodeInvalidKind},
		{"conditions on all", func(d *Definition) { d.Dependencies[1].Kind = model.ConditionAll }, CodeConditionsNotAllowed},
		{"duplicate edge", func(d *Definition) {
			d.Dependencies = append(d.Dependencies, DependencyDef{ID: "d3", Parent: "manager", Child: "director", Kind: model.ConditionAny})
		}, CodeDuplicateDependency},
		{"missing required approval", func(d *Definition) { d.Dependencies[1].Conditions[0].RequiredApprovalID = "" }, CodeRequired},
		{"invalid required status", func(d *Definition) { d.Dependencies[1].Conditions[0].RequiredStatus = "maybe" }, CodeInvalidStatus},
		{"malformed parameter", func(d *Definition) { d.Dependencies[1].Conditions[0].Parameter = "Amount >> 5" }, CodeUnsupportedCondition},
		{"cycle", func(d *Definition) {
			d.Dependencies = append(d.Dependencies, DependencyDef{ID: "d3", Parent: "cfo", Child: "manager", Kind: model.ConditionAll})
		}, CodeCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			errs := NewValidator(true).Validate([]Definition{def})
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_cycle_names_steps(t *testing.T) {
	def := validDefinition()
	def.Dependencies = append(def.Dependencies, DependencyDef{ID: "d3", Parent: "cfo", Child: "director", Kind: model.ConditionAny})

	errs := NewValidator(true).ValidateDefinition("g", def)
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want exactly one", errs)
	}
	if errs[0].Code != CodeCycle {
		t.Fatalf("Code = %q, want CYCLE", errs[0].Code)
	}
	if !strings.Contains(errs[0].Message, "cfo") || !strings.Contains(errs[0].Message, "director") {
		t.Errorf("Message = %q, want it to name cfo and director", errs[0].Message)
	}
	if strings.Contains(errs[0].Message, "manager") {
		t.Errorf("Message = %q, manager is not on the cycle", errs[0].Message)
	}
}

func TestValidator_lenient_conditions(t *testing.T) {
	def := validDefinition()
	def.Dependencies[1].Conditions[0].Parameter = "Amount >> 5"
	if errs := NewValidator(false).Validate([]Definition{def}); len(errs) != 0 {
		t.Fatalf("non-strict Validate() = %v, want no errors", errs)
	}
}

func TestValidator_cross_definition(t *testing.T) {
	a := validDefinition()
	b := validDefinition()
	errs := NewValidator(true).Validate([]Definition{a, b})
	if !hasCode(errs, CodeDuplicate) {
		t.Fatalf("Validate() = %v, want DUPLICATE for repeated workflow type", errs)
	}

	b.WorkflowType = "contract"
	errs = NewValidator(true).Validate([]Definition{a, b})
	var stepDup bool
	for _, e := range errs {
		if e.Code == CodeDuplicate && strings.Contains(e.Path, "steps") {
			stepDup = true
		}
	}
	if !stepDup {
		t.Errorf("Validate() = %v, want DUPLICATE for step ids shared across workflow types", errs)
	}
}

func TestValidator_ValidateCondition(t *testing.T) {
	v := NewValidator(true)
	if errs := v.ValidateCondition(ConditionDef{ID: "c", RequiredApprovalID: "a"}); len(errs) != 0 {
		t.Errorf("ValidateCondition() = %v, want none", errs)
	}
	errs := v.ValidateCondition(ConditionDef{ID: "c", RequiredApprovalID: "a", Parameter: "Foo ? 1"})
	if !hasCode(errs, CodeUnsupportedCondition) {
		t.Errorf("ValidateCondition() = %v, want UNSUPPORTED_CONDITION", errs)
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "graphs[0].steps", Code: CodeRequired, Message: "at least one step is required"}
	if got := e.Error(); got != "graphs[0].steps: at least one step is required" {
		t.Errorf("Error() = %q", got)
	}
}

func TestToFieldErrors(t *testing.T) {
	fe := ToFieldErrors([]VError{{Path: "p", Code: CodeCycle, Message: "m"}})
	if len(fe) != 1 || fe[0].Field != "p" || fe[0].Code != CodeCycle || fe[0].Message != "m" {
		t.Errorf("ToFieldErrors() = %+v", fe)
	}
}

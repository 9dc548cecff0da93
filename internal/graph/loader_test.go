package graph

import (
	"testing"

	"github.com/pitabwire/approvals/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/purchase/graph.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.WorkflowType != "purchase" {
		t.Errorf("WorkflowType = %q, want purchase", def.WorkflowType)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(def.Steps))
	}
	if def.Steps[0].ID != "purchase.manager" || def.Steps[0].Order != 1 {
		t.Errorf("Steps[0] = %+v", def.Steps[0])
	}
	if len(def.Steps[1].Approvers) != 1 || def.Steps[1].Approvers[0] != "user-director" {
		t.Errorf("Steps[1].Approvers = %v", def.Steps[1].Approvers)
	}
	if len(def.Dependencies) != 1 {
		t.Fatalf("Dependencies = %d, want 1", len(def.Dependencies))
	}
	if def.Dependencies[0].Kind != model.ConditionAll {
		t.Errorf("Kind = %q, want all", def.Dependencies[0].Kind)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/purchase/graph.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/purchase"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() = %d definitions, want 2", len(defs))
	}
	types := map[string]bool{}
	for _, d := range defs {
		types[d.WorkflowType] = true
	}
	if !types["purchase"] || !types["contract"] {
		t.Errorf("workflow types = %v, want purchase and contract", types)
	}
}

func TestLoader_LoadAll_missing_dir(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/does-not-exist"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestDefinition_Entities(t *testing.T) {
	def := Definition{
		WorkflowType: "purchase",
		Steps: []StepDef{
			{ID: "s1", Name: "Manager", Order: 1},
			{ID: "s2", Name: "Director", Order: 2, Parallel: true},
		},
		Dependencies: []DependencyDef{
			{ID: "d1", Parent: "s1", Child: "s2", Kind: model.ConditionSpecific, Conditions: []ConditionDef{
				{ID: "c1", RequiredApprovalID: "a1", Parameter: "Amount > 5000"},
				{ID: "c2", RequiredApprovalID: "a2", RequiredStatus: model.ApprovalStatusRejected},
			}},
		},
	}

	steps, deps, conds := def.Entities()
	if len(steps) != 2 || steps[1].WorkflowType != "purchase" || !steps[1].Parallel {
		t.Errorf("steps = %+v", steps)
	}
	if len(deps) != 1 || deps[0].ParentStepID != "s1" || deps[0].ChildStepID != "s2" {
		t.Errorf("deps = %+v", deps)
	}
	if len(conds) != 2 {
		t.Fatalf("conds = %d, want 2", len(conds))
	}
	if conds[0].RequiredStatus != model.ApprovalStatusApproved {
		t.Errorf("default RequiredStatus = %q, want approved", conds[0].RequiredStatus)
	}
	if conds[1].RequiredStatus != model.ApprovalStatusRejected {
		t.Errorf("RequiredStatus = %q, want rejected", conds[1].RequiredStatus)
	}
	if conds[0].DependencyID != "d1" {
		t.Errorf("DependencyID = %q, want d1", conds[0].DependencyID)
	}
}

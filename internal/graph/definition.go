// Package graph loads approval-graph definitions from YAML, validates their
// structure, and keeps the installed definitions in a lock-free registry.
package graph

import (
	"github.com/pitabwire/approvals/model"
)

// Definition describes the step graph of one workflow type.
type Definition struct {
	WorkflowType string          `yaml:"workflow_type" json:"workflow_type"`
	Steps        []StepDef       `yaml:"steps" json:"steps"`
	Dependencies []DependencyDef `yaml:"dependencies" json:"dependencies"`

	// Set by the loader.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// StepDef is a step node. Approvers lists the default approver identities
// for the step; configuration may override them.
type StepDef struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Order     int      `yaml:"order" json:"order"`
	Parallel  bool     `yaml:"parallel" json:"parallel"`
	Approvers []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`
}

// DependencyDef is an edge Parent -> Child. Conditions are only allowed when
// Kind is "specific".
type DependencyDef struct {
	ID         string              `yaml:"id" json:"id"`
	Parent     string              `yaml:"parent" json:"parent"`
	Child      string              `yaml:"child" json:"child"`
	Kind       model.ConditionKind `yaml:"kind" json:"kind"`
	Conditions []ConditionDef      `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// ConditionDef is one conjunct of a specific dependency.
type ConditionDef struct {
	ID                 string               `yaml:"id" json:"id"`
	RequiredApprovalID string               `yaml:"required_approval_id" json:"required_approval_id"`
	RequiredStatus     model.ApprovalStatus `yaml:"required_status,omitempty" json:"required_status,omitempty"`
	Parameter          string               `yaml:"parameter,omitempty" json:"parameter,omitempty"`
}

// Entities converts the definition into the store entities. An empty
// RequiredStatus defaults to approved.
func (d Definition) Entities() ([]model.Step, []model.Dependency, []model.Condition) {
	steps := make([]model.Step, 0, len(d.Steps))
	for _, s := range d.Steps {
		steps = append(steps, model.Step{
			ID:           s.ID,
			WorkflowType: d.WorkflowType,
			Name:         s.Name,
			Order:        s.Order,
			Parallel:     s.Parallel,
		})
	}

	deps := make([]model.Dependency, 0, len(d.Dependencies))
	var conds []model.Condition
	for _, dep := range d.Dependencies {
		deps = append(deps, model.Dependency{
			ID:           dep.ID,
			WorkflowType: d.WorkflowType,
			ParentStepID: dep.Parent,
			ChildStepID:  dep.Child,
			Kind:         dep.Kind,
		})
		for _, c := range dep.Conditions {
			conds = append(conds, ConditionEntity(dep.ID, c))
		}
	}
	return steps, deps, conds
}

// ConditionEntity builds the stored form of c attached to dependencyID.
func ConditionEntity(dependencyID string, c ConditionDef) model.Condition {
	status := c.RequiredStatus
	if status == "" {
		status = model.ApprovalStatusApproved
	}
	return model.Condition{
		ID:                 c.ID,
		DependencyID:       dependencyID,
		RequiredApprovalID: c.RequiredApprovalID,
		RequiredStatus:     status,
		Parameter:          c.Parameter,
	}
}

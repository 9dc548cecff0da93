package model

// ConditionKind selects how a dependency edge is satisfied.
type ConditionKind string

// Dependency condition kinds.
const (
	// ConditionAll requires every parent-step record to be approved.
	ConditionAll ConditionKind = "all"
	// ConditionAny requires at least one parent-step record to be approved.
	ConditionAny ConditionKind = "any"
	// ConditionSpecific requires every attached Condition to hold.
	ConditionSpecific ConditionKind = "specific"
)

// Valid reports whether k is a known condition kind.
func (k ConditionKind) Valid() bool {
	switch k {
	case ConditionAll, ConditionAny, ConditionSpecific:
		return true
	}
	return false
}

// Step is a node of the approval graph for one workflow type.
type Step struct {
	ID           string `json:"id"`
	WorkflowType string `json:"workflow_type"`
	Name         string `json:"name"`
	Order        int    `json:"order"`
	Parallel     bool   `json:"parallel"`
}

// Dependency is a directed edge ParentStepID -> ChildStepID. Conditions are
// stored separately and only exist for ConditionSpecific edges.
type Dependency struct {
	ID           string        `json:"id"`
	WorkflowType string        `json:"workflow_type"`
	ParentStepID string        `json:"parent_step_id"`
	ChildStepID  string        `json:"child_step_id"`
	Kind         ConditionKind `json:"kind"`
}

// Condition is one conjunct of a ConditionSpecific dependency: the referenced
// approval record must carry RequiredStatus and, when Parameter is set, the
// parameter predicate must hold for the record's request.
type Condition struct {
	ID                 string         `json:"id"`
	DependencyID       string         `json:"dependency_id"`
	RequiredApprovalID string         `json:"required_approval_id"`
	RequiredStatus     ApprovalStatus `json:"required_status"`
	Parameter          string         `json:"parameter,omitempty"`
}

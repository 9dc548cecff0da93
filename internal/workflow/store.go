package workflow

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// Store persists approval graphs, requests, approval records and comments.
// Every method that takes an id returns NOT_FOUND when the referenced entity
// does not exist.
type Store interface {
	// InstallGraph stores the steps, dependencies and conditions of one
	// workflow type. Steps are upserted; dependencies and conditions replace
	// whatever was installed before. A step that is dropped from the graph
	// but still referenced by an approval record yields CONFLICT.
	InstallGraph(ctx context.Context, workflowType string, steps []model.Step, deps []model.Dependency, conds []model.Condition) error

	// LoadSteps returns the steps of a workflow type ordered by Order then ID.
	// Returns NOT_FOUND if the workflow type has no steps.
	LoadSteps(ctx context.Context, workflowType string) ([]model.Step, error)

	// LoadStep returns a single step.
	LoadStep(ctx context.Context, stepID string) (model.Step, error)

	// LoadDependencies returns the dependencies whose child is stepID.
	LoadDependencies(ctx context.Context, childStepID string) ([]model.Dependency, error)

	// LoadDependents returns the dependencies whose parent is stepID.
	LoadDependents(ctx context.Context, parentStepID string) ([]model.Dependency, error)

	// LoadDependency returns a single dependency.
	LoadDependency(ctx context.Context, dependencyID string) (model.Dependency, error)

	// LoadConditions returns the conditions attached to a dependency.
	LoadConditions(ctx context.Context, dependencyID string) ([]model.Condition, error)

	// SaveCondition attaches a condition to its dependency. Returns CONFLICT
	// if a condition with the same id exists.
	SaveCondition(ctx context.Context, c model.Condition) error

	// CreateRequest persists a new request. Returns CONFLICT if the id exists.
	CreateRequest(ctx context.Context, req model.Request) error

	// LoadRequest returns a request by id.
	LoadRequest(ctx context.Context, requestID string) (model.Request, error)

	// SaveRequest persists an updated request with optimistic locking. The
	// version must match the stored version, otherwise CONFLICT. The stored
	// copy, with its version incremented, is returned.
	SaveRequest(ctx context.Context, req model.Request) (model.Request, error)

	// ListRequests returns requests matching the filter, oldest first.
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.Request, error)

	// CreateApprovalRecords inserts the records for one (request, step)
	// pair. It returns CONFLICT when that pair already has records, which
	// makes activation idempotent even without an external lock.
	CreateApprovalRecords(ctx context.Context, records []model.ApprovalRecord) error

	// LoadApprovalRecords returns the records of a step on a request.
	LoadApprovalRecords(ctx context.Context, requestID, stepID string) ([]model.ApprovalRecord, error)

	// LoadRequestApprovals returns every record of a request, oldest first.
	LoadRequestApprovals(ctx context.Context, requestID string) ([]model.ApprovalRecord, error)

	// LoadApprovalRecord returns a single record.
	LoadApprovalRecord(ctx context.Context, recordID string) (model.ApprovalRecord, error)

	// UpdateApprovalRecord overwrites a record provided its stored status is
	// still from. Returns CONFLICT if the record was processed concurrently.
	UpdateApprovalRecord(ctx context.Context, rec model.ApprovalRecord, from model.ApprovalStatus) error

	// LoadComments returns the comments of a request, oldest first.
	LoadComments(ctx context.Context, requestID string) ([]model.Comment, error)

	// SaveComment persists a new comment. Comments are never updated.
	SaveComment(ctx context.Context, c model.Comment) error
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Statuses     []model.RequestStatus
	WorkflowType string
	Limit        int
	Offset       int
}

func (f RequestFilter) matches(req model.Request) bool {
	if f.WorkflowType != "" && req.WorkflowType != f.WorkflowType {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if req.Status == s {
			return true
		}
	}
	return false
}

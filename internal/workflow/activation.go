package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/model"
)

// ApproverAssignment resolves who must approve a step.
type ApproverAssignment interface {
	ApproversFor(ctx context.Context, stepID string) ([]string, error)
}

// StepComplete reports whether a step is complete given its records on one
// request. A parallel step needs one approval, a sequential step needs every
// record approved. A step with no records is never complete.
func StepComplete(step model.Step, records []model.ApprovalRecord) bool {
	if len(records) == 0 {
		return false
	}
	approved := 0
	for _, rec := range records {
		if rec.Status == model.ApprovalStatusApproved {
			approved++
		}
	}
	if step.Parallel {
		return approved > 0
	}
	return approved == len(records)
}

// Activator materializes pending approval records for steps that have
// become ready.
type Activator struct {
	store     Store
	readiness *Readiness
	approvers ApproverAssignment
	logger    *zap.Logger
	recorder  Recorder
	now       func() time.Time
	newID     func() string
}

// NewActivator creates an activator. now and newID must not be nil.
func NewActivator(
	store Store,
	readiness *Readiness,
	approvers ApproverAssignment,
	logger *zap.Logger,
	recorder Recorder,
	now func() time.Time,
	newID func() string,
) *Activator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Activator{
		store:     store,
		readiness: readiness,
		approvers: approvers,
		logger:    logger,
		recorder:  recorder,
		now:       now,
		newID:     newID,
	}
}

// ActivateNext walks the dependencies leaving completedStepID and
// materializes records for every child step that is now ready and has none
// yet. It returns the ids of the steps it activated. Calling it again for the
// same completion activates nothing.
func (a *Activator) ActivateNext(ctx context.Context, req model.Request, completedStepID string) ([]string, error) {
	deps, err := a.store.LoadDependents(ctx, completedStepID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(deps))
	var activated []string
	for _, dep := range deps {
		if seen[dep.ChildStepID] {
			continue
		}
		seen[dep.ChildStepID] = true

		step, err := a.store.LoadStep(ctx, dep.ChildStepID)
		if err != nil {
			return activated, err
		}
		ok, err := a.Activate(ctx, req, step)
		if err != nil {
			return activated, err
		}
		if ok {
			activated = append(activated, step.ID)
		}
	}
	return activated, nil
}

// Activate creates one pending record per assigned approver for step, but
// only if the step is ready and has no records on req yet. It reports
// whether records were created.
func (a *Activator) Activate(ctx context.Context, req model.Request, step model.Step) (bool, error) {
	existing, err := a.store.LoadApprovalRecords(ctx, req.ID, step.ID)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	ready, err := a.readiness.isReady(ctx, req, step.ID)
	if err != nil {
		return false, err
	}
	a.recorder.RecordReadinessCheck(ready)
	if !ready {
		return false, nil
	}

	approvers, err := a.approvers.ApproversFor(ctx, step.ID)
	if err != nil {
		return false, fmt.Errorf("resolve approvers for step %s: %w", step.ID, err)
	}
	approvers = dedupe(approvers)
	if len(approvers) == 0 {
		return false, model.NewConflictError(fmt.Sprintf("step %q has no assigned approvers", step.ID))
	}

	now := a.now()
	records := make([]model.ApprovalRecord, 0, len(approvers))
	for _, approver := range approvers {
		records = append(records, model.ApprovalRecord{
			ID:         a.newID(),
			RequestID:  req.ID,
			StepID:     step.ID,
			ApproverID: approver,
			Status:     model.ApprovalStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if err := a.store.CreateApprovalRecords(ctx, records); err != nil {
		// Another activation got there first.
		if model.IsConflict(err) {
			return false, nil
		}
		return false, err
	}

	a.recorder.RecordStepActivation(req.WorkflowType)
	a.logger.Info("step activated",
		zap.String("request_id", req.ID),
		zap.String("step_id", step.ID),
		zap.Int("approvers", len(records)),
	)
	return true, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

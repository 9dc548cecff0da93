package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/model"
)

// ConditionEvaluator decides whether a predicate holds for a request. It
// never fails: anything it cannot evaluate is false.
type ConditionEvaluator interface {
	Evaluate(expr string, req model.Request) bool
}

// Readiness decides whether a step's upstream dependencies are satisfied for
// a request. Every dependency of the step must be satisfied on its own.
type Readiness struct {
	store     Store
	evaluator ConditionEvaluator
	logger    *zap.Logger
	recorder  Recorder
}

// NewReadiness creates a readiness evaluator.
func NewReadiness(store Store, evaluator ConditionEvaluator, logger *zap.Logger, recorder Recorder) *Readiness {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Readiness{store: store, evaluator: evaluator, logger: logger, recorder: recorder}
}

// IsReady reports whether stepID may be acted on for requestID. A step with
// no dependencies is always ready.
func (r *Readiness) IsReady(ctx context.Context, requestID, stepID string) (bool, error) {
	req, err := r.store.LoadRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	ready, err := r.isReady(ctx, req, stepID)
	if err != nil {
		return false, err
	}
	r.recorder.RecordReadinessCheck(ready)
	return ready, nil
}

func (r *Readiness) isReady(ctx context.Context, req model.Request, stepID string) (bool, error) {
	deps, err := r.store.LoadDependencies(ctx, stepID)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		ok, err := r.satisfied(ctx, req, dep)
		if err != nil {
			return false, err
		}
		r.logger.Debug("dependency evaluated",
			zap.String("request_id", req.ID),
			zap.String("step_id", stepID),
			zap.String("dependency_id", dep.ID),
			zap.String("kind", string(dep.Kind)),
			zap.Bool("satisfied", ok),
		)
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *Readiness) satisfied(ctx context.Context, req model.Request, dep model.Dependency) (bool, error) {
	switch dep.Kind {
	case model.ConditionAll, model.ConditionAny:
		records, err := r.store.LoadApprovalRecords(ctx, req.ID, dep.ParentStepID)
		if err != nil {
			return false, err
		}
		if len(records) == 0 {
			return false, nil
		}
		approved := 0
		for _, rec := range records {
			if rec.Status == model.ApprovalStatusApproved {
				approved++
			}
		}
		if dep.Kind == model.ConditionAny {
			return approved > 0, nil
		}
		return approved == len(records), nil

	case model.ConditionSpecific:
		conds, err := r.store.LoadConditions(ctx, dep.ID)
		if err != nil {
			return false, err
		}
		if len(conds) == 0 {
			return false, nil
		}
		for _, c := range conds {
			ok, err := r.conditionHolds(ctx, req, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	default:
		r.logger.Warn("unsupported dependency kind, treating as unsatisfied",
			zap.String("dependency_id", dep.ID),
			zap.String("kind", string(dep.Kind)),
		)
		r.recorder.RecordConditionFailure()
		return false, nil
	}
}

// conditionHolds checks one SPECIFIC conjunct. A referenced record or request
// that no longer exists makes the condition false rather than an error.
func (r *Readiness) conditionHolds(ctx context.Context, req model.Request, c model.Condition) (bool, error) {
	rec, err := r.store.LoadApprovalRecord(ctx, c.RequiredApprovalID)
	if model.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	want := c.RequiredStatus
	if want == "" {
		want = model.ApprovalStatusApproved
	}
	if rec.Status != want {
		return false, nil
	}
	if c.Parameter == "" {
		return true, nil
	}

	owner := req
	if rec.RequestID != req.ID {
		owner, err = r.store.LoadRequest(ctx, rec.RequestID)
		if model.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return r.evaluator.Evaluate(c.Parameter, owner), nil
}

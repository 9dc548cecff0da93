package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/graph"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

const (
	defaultWorkflowType = "default"
	defaultLockTimeout  = 5 * time.Second
)

// Engine owns the request state machine. Every mutating operation on a
// request runs under that request's lock.
type Engine struct {
	store     Store
	locker    Locker
	readiness *Readiness
	activator *Activator
	validator *graph.Validator

	logger      *zap.Logger
	recorder    Recorder
	now         func() time.Time
	newID       func() string
	defaultType string
	lockTimeout time.Duration
	strictConds bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides entity id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithDefaultWorkflowType sets the workflow type used when a new request
// names none.
func WithDefaultWorkflowType(wt string) Option {
	return func(e *Engine) { e.defaultType = wt }
}

// WithLockTimeout bounds how long an operation waits for a request lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithStrictConditions controls whether InstallGraph and AttachCondition
// reject condition parameters that do not parse.
func WithStrictConditions(strict bool) Option {
	return func(e *Engine) { e.strictConds = strict }
}

// NewEngine creates a new workflow engine.
func NewEngine(
	store Store,
	locker Locker,
	approvers ApproverAssignment,
	evaluator ConditionEvaluator,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:       store,
		locker:      locker,
		logger:      zap.NewNop(),
		recorder:    nopRecorder{},
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		defaultType: defaultWorkflowType,
		lockTimeout: defaultLockTimeout,
		strictConds: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	e.readiness = NewReadiness(store, evaluator, e.logger, e.recorder)
	e.activator = NewActivator(store, e.readiness, approvers, e.logger, e.recorder, e.now, e.newID)
	e.validator = graph.NewValidator(e.strictConds)
	return e
}

// NewRequest is the input to CreateRequest.
type NewRequest struct {
	RequesterID  string            `json:"requester_id"`
	Subject      string            `json:"subject"`
	Description  string            `json:"description,omitempty"`
	WorkflowType string            `json:"workflow_type,omitempty"`
	Amount       float64           `json:"amount,omitempty"`
	Department   string            `json:"department,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// NewComment is the input to AddComment.
type NewComment struct {
	RequestID  string `json:"request_id"`
	ApprovalID string `json:"approval_id,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
	AuthorID   string `json:"author_id"`
	Text       string `json:"text"`
}

// CreateRequest creates a request in Draft.
func (e *Engine) CreateRequest(ctx context.Context, in NewRequest) (req model.Request, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CreateRequest")
	defer func() { observability.EndSpanWithError(span, err) }()

	var details []model.FieldError
	if strings.TrimSpace(in.RequesterID) == "" {
		details = append(details, model.FieldError{Field: "requester_id", Code: "REQUIRED", Message: "requester_id is required"})
	}
	if strings.TrimSpace(in.Subject) == "" {
		details = append(details, model.FieldError{Field: "subject", Code: "REQUIRED", Message: "subject is required"})
	}
	if len(details) > 0 {
		return model.Request{}, model.NewValidationError(details)
	}

	wt := in.WorkflowType
	if wt == "" {
		wt = e.defaultType
	}

	now := e.now()
	req = model.Request{
		ID:           e.newID(),
		WorkflowType: wt,
		Subject:      in.Subject,
		Description:  in.Description,
		Status:       model.RequestStatusDraft,
		RequesterID:  in.RequesterID,
		Amount:       in.Amount,
		Department:   in.Department,
		Attributes:   copyAttributes(in.Attributes),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return model.Request{}, err
	}

	observability.AnnotateRequest(ctx, req)
	e.recorder.RecordRequestTransition(req.Status)
	e.log(ctx).Info("request created",
		append(observability.RequestFields(req), zap.String("requester_id", req.RequesterID))...,
	)
	return req, nil
}

// SubmitRequest moves a Draft or Resubmitted request to Submitted and seeds
// approval records for the ready steps of the lowest order.
func (e *Engine) SubmitRequest(ctx context.Context, requestID string) (req model.Request, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.SubmitRequest", observability.AttrRequestID.String(requestID))
	defer func() { observability.EndSpanWithError(span, err) }()

	err = e.withRequestLock(ctx, requestID, func(ctx context.Context) error {
		// 1. Load and check state.
		current, err := e.store.LoadRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if current.Status != model.RequestStatusDraft && current.Status != model.RequestStatusResubmitted {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("request %q is %s and cannot be submitted", requestID, current.Status),
			)
		}

		// 2. Seed the first-order steps.
		steps, err := e.store.LoadSteps(ctx, current.WorkflowType)
		if err != nil {
			return err
		}
		first := steps[0].Order
		seeded := 0
		for _, step := range steps {
			if step.Order != first {
				break
			}
			ok, err := e.activator.Activate(ctx, current, step)
			if err != nil {
				return err
			}
			if ok {
				seeded++
				continue
			}
			// Records left by an earlier attempt whose transition failed.
			existing, err := e.store.LoadApprovalRecords(ctx, current.ID, step.ID)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				seeded++
			}
		}
		if seeded == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow type %q has no ready step to approve", current.WorkflowType),
			)
		}

		// 3. Persist the transition.
		req, err = e.transition(ctx, current, model.RequestStatusSubmitted)
		return err
	})
	if err != nil {
		return model.Request{}, err
	}

	e.log(ctx).Info("request submitted", observability.RequestFields(req)...)
	return req, nil
}

// ApproveStep records an approval by approverID on a pending record. A
// non-empty comment is stored against the record. Completing the record's
// step activates downstream steps; when nothing is left to activate and every
// activated step is complete, the request becomes Approved. An activation
// failure after the decision is stored is logged and left for Reconcile.
func (e *Engine) ApproveStep(ctx context.Context, recordID, approverID, comment string) (rec model.ApprovalRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ApproveStep", observability.AttrRecordID.String(recordID))
	defer func() { observability.EndSpanWithError(span, err) }()

	requestID, err := e.recordRequest(ctx, recordID)
	if err != nil {
		return model.ApprovalRecord{}, err
	}

	err = e.withRequestLock(ctx, requestID, func(ctx context.Context) error {
		// 1. Preconditions.
		current, req, err := e.decisionPreconditions(ctx, recordID, approverID)
		if err != nil {
			return err
		}
		ready, err := e.readiness.isReady(ctx, req, current.StepID)
		if err != nil {
			return err
		}
		e.recorder.RecordReadinessCheck(ready)
		if !ready {
			return model.NewConflictError(
				fmt.Sprintf("step %q is not ready on request %q", current.StepID, req.ID),
			)
		}

		// 2. Record the decision.
		now := e.now()
		rec = current
		rec.Status = model.ApprovalStatusApproved
		rec.UpdatedAt = now
		if err := e.store.UpdateApprovalRecord(ctx, rec, model.ApprovalStatusPending); err != nil {
			return err
		}
		e.recorder.RecordDecision(rec.Status)
		if strings.TrimSpace(comment) != "" {
			if err := e.store.SaveComment(ctx, model.Comment{
				ID:         e.newID(),
				RequestID:  req.ID,
				ApprovalID: rec.ID,
				AuthorID:   approverID,
				Text:       comment,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		if req.Status == model.RequestStatusSubmitted {
			if req, err = e.transition(ctx, req, model.RequestStatusInProgress); err != nil {
				return err
			}
		}

		// 3. Advance the graph. The decision is already stored, so a failed
		// activation is left for Reconcile.
		if _, err := e.advance(ctx, req, rec.StepID); err != nil {
			e.log(ctx).Warn("activation deferred to reconciliation",
				append(observability.RecordFields(rec), zap.Error(err))...,
			)
		}
		return nil
	})
	if err != nil {
		return model.ApprovalRecord{}, err
	}

	e.log(ctx).Info("step approved", observability.RecordFields(rec)...)
	return rec, nil
}

// RejectStep records a rejection by approverID on a pending record. reason
// becomes the decisive comment. The request moves to Rejected when
// requiresResubmission is set, otherwise to NeedsRevision.
func (e *Engine) RejectStep(ctx context.Context, recordID, approverID, reason string, requiresResubmission bool) (rec model.ApprovalRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.RejectStep", observability.AttrRecordID.String(recordID))
	defer func() { observability.EndSpanWithError(span, err) }()

	if strings.TrimSpace(reason) == "" {
		return model.ApprovalRecord{}, model.NewValidationError([]model.FieldError{
			{Field: "reason", Code: "REQUIRED", Message: "a rejection reason is required"},
		})
	}

	requestID, err := e.recordRequest(ctx, recordID)
	if err != nil {
		return model.ApprovalRecord{}, err
	}

	var final model.RequestStatus
	err = e.withRequestLock(ctx, requestID, func(ctx context.Context) error {
		current, req, err := e.decisionPreconditions(ctx, recordID, approverID)
		if err != nil {
			return err
		}

		status, reqStatus := model.ApprovalStatusNeedsRevision, model.RequestStatusNeedsRevision
		if requiresResubmission {
			status, reqStatus = model.ApprovalStatusRejected, model.RequestStatusRejected
		}

		now := e.now()
		decisive := model.Comment{
			ID:         e.newID(),
			RequestID:  req.ID,
			ApprovalID: current.ID,
			AuthorID:   approverID,
			Text:       reason,
			Decisive:   true,
			CreatedAt:  now,
		}
		if err := e.store.SaveComment(ctx, decisive); err != nil {
			return err
		}

		rec = current
		rec.Status = status
		rec.DecisiveCommentID = decisive.ID
		rec.UpdatedAt = now
		if err := e.store.UpdateApprovalRecord(ctx, rec, model.ApprovalStatusPending); err != nil {
			return err
		}
		e.recorder.RecordDecision(rec.Status)

		_, err = e.transition(ctx, req, reqStatus)
		final = reqStatus
		return err
	})
	if err != nil {
		return model.ApprovalRecord{}, err
	}

	e.log(ctx).Info("step rejected",
		append(observability.RecordFields(rec), zap.String(observability.FieldRequestStatus, string(final)))...,
	)
	return rec, nil
}

// CancelRequest cancels a request that has not reached a terminal state.
// Recorded approvals are kept. A non-empty reason is stored as a comment.
func (e *Engine) CancelRequest(ctx context.Context, requestID, actorID, reason string) (req model.Request, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CancelRequest", observability.AttrRequestID.String(requestID))
	defer func() { observability.EndSpanWithError(span, err) }()

	if strings.TrimSpace(reason) != "" && strings.TrimSpace(actorID) == "" {
		return model.Request{}, model.NewValidationError([]model.FieldError{
			{Field: "actor_id", Code: "REQUIRED", Message: "actor_id is required with a reason"},
		})
	}

	err = e.withRequestLock(ctx, requestID, func(ctx context.Context) error {
		current, err := e.store.LoadRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("request %q is %s and cannot be cancelled", requestID, current.Status),
			)
		}
		if strings.TrimSpace(reason) != "" {
			if err := e.store.SaveComment(ctx, model.Comment{
				ID:        e.newID(),
				RequestID: requestID,
				AuthorID:  actorID,
				Text:      reason,
				CreatedAt: e.now(),
			}); err != nil {
				return err
			}
		}
		req, err = e.transition(ctx, current, model.RequestStatusCancelled)
		return err
	})
	if err != nil {
		return model.Request{}, err
	}

	e.log(ctx).Info("request cancelled",
		append(observability.RequestFields(req), zap.String("actor_id", actorID))...,
	)
	return req, nil
}

// AddComment adds a non-decisive comment to a request, optionally bound to
// one of its approval records and optionally replying to one of its comments.
func (e *Engine) AddComment(ctx context.Context, in NewComment) (c model.Comment, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.AddComment", observability.AttrRequestID.String(in.RequestID))
	defer func() { observability.EndSpanWithError(span, err) }()

	var details []model.FieldError
	if strings.TrimSpace(in.AuthorID) == "" {
		details = append(details, model.FieldError{Field: "author_id", Code: "REQUIRED", Message: "author_id is required"})
	}
	if strings.TrimSpace(in.Text) == "" {
		details = append(details, model.FieldError{Field: "text", Code: "REQUIRED", Message: "text is required"})
	}
	if len(details) > 0 {
		return model.Comment{}, model.NewValidationError(details)
	}

	err = e.withRequestLock(ctx, in.RequestID, func(ctx context.Context) error {
		if _, err := e.store.LoadRequest(ctx, in.RequestID); err != nil {
			return err
		}
		if in.ApprovalID != "" {
			rec, err := e.store.LoadApprovalRecord(ctx, in.ApprovalID)
			if err != nil {
				return err
			}
			if rec.RequestID != in.RequestID {
				return model.NewBadRequestError(
					fmt.Sprintf("approval record %q does not belong to request %q", in.ApprovalID, in.RequestID),
				)
			}
		}
		if in.ParentID != "" {
			existing, err := e.store.LoadComments(ctx, in.RequestID)
			if err != nil {
				return err
			}
			found := false
			for _, ec := range existing {
				if ec.ID == in.ParentID {
					found = true
					break
				}
			}
			if !found {
				return model.NewNotFoundError(
					fmt.Sprintf("comment %q not found on request %q", in.ParentID, in.RequestID),
				)
			}
		}

		c = model.Comment{
			ID:         e.newID(),
			RequestID:  in.RequestID,
			ApprovalID: in.ApprovalID,
			ParentID:   in.ParentID,
			AuthorID:   in.AuthorID,
			Text:       in.Text,
			CreatedAt:  e.now(),
		}
		return e.store.SaveComment(ctx, c)
	})
	if err != nil {
		return model.Comment{}, err
	}
	return c, nil
}

// ResubmitRequest creates a successor of a Rejected or NeedsRevision request.
// The successor starts in Resubmitted, links back through PredecessorID and
// carries forward the original's reply comments. No approval records are
// created until it is submitted. An empty requesterID keeps the original
// requester.
func (e *Engine) ResubmitRequest(ctx context.Context, originalID, requesterID string) (req model.Request, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ResubmitRequest", observability.AttrRequestID.String(originalID))
	defer func() { observability.EndSpanWithError(span, err) }()

	var carried int
	err = e.withRequestLock(ctx, originalID, func(ctx context.Context) error {
		original, err := e.store.LoadRequest(ctx, originalID)
		if err != nil {
			return err
		}
		if original.Status != model.RequestStatusRejected && original.Status != model.RequestStatusNeedsRevision {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("request %q is %s and cannot be resubmitted", originalID, original.Status),
			)
		}

		requester := requesterID
		if requester == "" {
			requester = original.RequesterID
		}
		now := e.now()
		req = model.Request{
			ID:            e.newID(),
			WorkflowType:  original.WorkflowType,
			Subject:       original.Subject,
			Description:   original.Description,
			Status:        model.RequestStatusResubmitted,
			RequesterID:   requester,
			PredecessorID: original.ID,
			Amount:        original.Amount,
			Department:    original.Department,
			Attributes:    copyAttributes(original.Attributes),
			CreatedAt:     now,
			UpdatedAt:     now,
			Version:       1,
		}
		if err := e.store.CreateRequest(ctx, req); err != nil {
			return err
		}

		comments, err := e.store.LoadComments(ctx, original.ID)
		if err != nil {
			return err
		}
		for _, c := range CarryForward(comments, req.ID, e.newID) {
			if err := e.store.SaveComment(ctx, c); err != nil {
				return err
			}
			carried++
		}
		return nil
	})
	if err != nil {
		return model.Request{}, err
	}

	e.recorder.RecordRequestTransition(req.Status)
	e.log(ctx).Info("request resubmitted",
		append(observability.RequestFields(req),
			zap.String("predecessor_id", req.PredecessorID),
			zap.Int("comments_carried", carried),
		)...,
	)
	return req, nil
}

// IsStepReady reports whether stepID's dependencies are satisfied on
// requestID.
func (e *Engine) IsStepReady(ctx context.Context, requestID, stepID string) (bool, error) {
	return e.readiness.IsReady(ctx, requestID, stepID)
}

// IsStepComplete reports whether stepID is complete on requestID.
func (e *Engine) IsStepComplete(ctx context.Context, requestID, stepID string) (bool, error) {
	if _, err := e.store.LoadRequest(ctx, requestID); err != nil {
		return false, err
	}
	step, err := e.store.LoadStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	records, err := e.store.LoadApprovalRecords(ctx, requestID, stepID)
	if err != nil {
		return false, err
	}
	return StepComplete(step, records), nil
}

// GetRequest returns a request by id.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (model.Request, error) {
	return e.store.LoadRequest(ctx, requestID)
}

// ListRequests returns requests matching filter, oldest first.
func (e *Engine) ListRequests(ctx context.Context, filter RequestFilter) ([]model.Request, error) {
	return e.store.ListRequests(ctx, filter)
}

// ListApprovalRecords returns every approval record of a request.
func (e *Engine) ListApprovalRecords(ctx context.Context, requestID string) ([]model.ApprovalRecord, error) {
	return e.store.LoadRequestApprovals(ctx, requestID)
}

// Thread returns the comment forest of a request.
func (e *Engine) Thread(ctx context.Context, requestID string) ([]*ThreadNode, error) {
	comments, err := e.store.LoadComments(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return BuildThread(comments), nil
}

// Lineage returns the predecessor chain ending at requestID, oldest first.
func (e *Engine) Lineage(ctx context.Context, requestID string) ([]model.Request, error) {
	var chain []model.Request
	seen := make(map[string]bool)
	for id := requestID; id != "" && !seen[id]; {
		seen[id] = true
		req, err := e.store.LoadRequest(ctx, id)
		if err != nil {
			if len(chain) > 0 && model.IsNotFound(err) {
				break
			}
			return nil, err
		}
		chain = append(chain, req)
		id = req.PredecessorID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// InstallGraph validates a graph definition and stores it. Structural
// problems are returned together as one INVALID_GRAPH error.
func (e *Engine) InstallGraph(ctx context.Context, def graph.Definition) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.InstallGraph", observability.AttrWorkflowType.String(def.WorkflowType))
	defer func() { observability.EndSpanWithError(span, err) }()

	if errs := e.validator.ValidateDefinition(def.WorkflowType, def); len(errs) > 0 {
		return model.NewInvalidGraphError(
			fmt.Sprintf("graph %q has %d problem(s)", def.WorkflowType, len(errs)),
			graph.ToFieldErrors(errs),
		)
	}

	steps, deps, conds := def.Entities()
	if err := e.checkLiveSteps(ctx, def.WorkflowType, steps, deps); err != nil {
		return err
	}
	if err := e.store.InstallGraph(ctx, def.WorkflowType, steps, deps, conds); err != nil {
		return err
	}
	e.log(ctx).Info("graph installed",
		zap.String("workflow_type", def.WorkflowType),
		zap.Int("steps", len(steps)),
		zap.Int("dependencies", len(deps)),
		zap.Int("conditions", len(conds)),
	)
	return nil
}

// checkLiveSteps refuses a reinstall that would change how an open request
// progresses. A step holding records on a request that is not yet terminal
// keeps its order, its parallel flag and every dependency it takes part in.
func (e *Engine) checkLiveSteps(ctx context.Context, workflowType string, steps []model.Step, deps []model.Dependency) error {
	installed, err := e.store.LoadSteps(ctx, workflowType)
	if model.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	live, err := e.liveSteps(ctx, workflowType)
	if err != nil || len(live) == 0 {
		return err
	}

	next := make(map[string]model.Step, len(steps))
	for _, st := range steps {
		next[st.ID] = st
	}
	for _, old := range installed {
		if !live[old.ID] {
			continue
		}
		st, ok := next[old.ID]
		if !ok {
			return model.NewConflictError(
				fmt.Sprintf("step %q is in use by open requests and cannot be removed", old.ID),
			)
		}
		if st.Order != old.Order || st.Parallel != old.Parallel {
			return model.NewConflictError(
				fmt.Sprintf("step %q is in use by open requests; its order and parallel flag cannot change", old.ID),
			)
		}

		parents, err := e.store.LoadDependencies(ctx, old.ID)
		if err != nil {
			return err
		}
		children, err := e.store.LoadDependents(ctx, old.ID)
		if err != nil {
			return err
		}
		before := edgeSet(append(parents, children...))
		var touching []model.Dependency
		for _, d := range deps {
			if d.ParentStepID == old.ID || d.ChildStepID == old.ID {
				touching = append(touching, d)
			}
		}
		after := edgeSet(touching)
		if len(before) != len(after) {
			return liveEdgeConflict(old.ID)
		}
		for key := range before {
			if !after[key] {
				return liveEdgeConflict(old.ID)
			}
		}
	}
	return nil
}

// liveSteps returns the ids of the steps holding records on open requests of
// workflowType.
func (e *Engine) liveSteps(ctx context.Context, workflowType string) (map[string]bool, error) {
	reqs, err := e.store.ListRequests(ctx, RequestFilter{
		WorkflowType: workflowType,
		Statuses: []model.RequestStatus{
			model.RequestStatusDraft,
			model.RequestStatusSubmitted,
			model.RequestStatusInProgress,
			model.RequestStatusResubmitted,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	live := make(map[string]bool)
	for _, req := range reqs {
		records, err := e.store.LoadRequestApprovals(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			live[rec.StepID] = true
		}
	}
	return live, nil
}

func edgeSet(deps []model.Dependency) map[string]bool {
	out := make(map[string]bool, len(deps))
	for _, d := range deps {
		out[d.ID+"|"+d.ParentStepID+"|"+d.ChildStepID+"|"+string(d.Kind)] = true
	}
	return out
}

func liveEdgeConflict(stepID string) error {
	return model.NewConflictError(
		fmt.Sprintf("dependencies of step %q are in use by open requests and cannot change", stepID),
	)
}

// AttachCondition adds a condition to an installed SPECIFIC dependency. An
// empty condition id is generated.
func (e *Engine) AttachCondition(ctx context.Context, dependencyID string, def graph.ConditionDef) (model.Condition, error) {
	dep, err := e.store.LoadDependency(ctx, dependencyID)
	if err != nil {
		return model.Condition{}, err
	}
	if dep.Kind != model.ConditionSpecific {
		return model.Condition{}, model.NewBadRequestError(
			fmt.Sprintf("dependency %q is %s; conditions need a specific dependency", dependencyID, dep.Kind),
		)
	}

	if def.ID == "" {
		def.ID = e.newID()
	}
	if errs := e.validator.ValidateCondition(def); len(errs) > 0 {
		for _, ve := range errs {
			if ve.Code == graph.CodeUnsupportedCondition {
				return model.Condition{}, model.NewUnsupportedConditionError(ve.Message)
			}
		}
		return model.Condition{}, model.NewValidationError(graph.ToFieldErrors(errs))
	}

	c := graph.ConditionEntity(dependencyID, def)
	if err := e.store.SaveCondition(ctx, c); err != nil {
		return model.Condition{}, err
	}
	return c, nil
}

// Reconcile re-runs activation for every request still accepting decisions
// and settles those with nothing left to do. It repairs requests whose
// activation was interrupted, e.g. by a failed approver lookup. It returns
// the number of requests it changed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	reqs, err := e.store.ListRequests(ctx, RequestFilter{
		Statuses: []model.RequestStatus{model.RequestStatusSubmitted, model.RequestStatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("list open requests: %w", err)
	}

	changed := 0
	var errs []error
	for _, r := range reqs {
		err := e.withRequestLock(ctx, r.ID, func(ctx context.Context) error {
			req, err := e.store.LoadRequest(ctx, r.ID)
			if err != nil {
				return err
			}
			if !req.Status.AcceptsDecisions() {
				return nil
			}
			records, err := e.store.LoadRequestApprovals(ctx, req.ID)
			if err != nil {
				return err
			}
			steps := make(map[string]bool)
			for _, rec := range records {
				steps[rec.StepID] = true
			}
			progressed := false
			for stepID := range steps {
				// A previous step may have settled the request.
				if req, err = e.store.LoadRequest(ctx, r.ID); err != nil {
					return err
				}
				if !req.Status.AcceptsDecisions() {
					break
				}
				ok, err := e.advance(ctx, req, stepID)
				if err != nil {
					return err
				}
				progressed = progressed || ok
			}
			if progressed {
				changed++
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", r.ID, err))
		}
	}
	return changed, errors.Join(errs...)
}

// advance runs completion and activation for stepID. When the step is
// complete and nothing new is activated, the request is settled. It reports
// whether anything changed.
func (e *Engine) advance(ctx context.Context, req model.Request, stepID string) (bool, error) {
	step, err := e.store.LoadStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	records, err := e.store.LoadApprovalRecords(ctx, req.ID, stepID)
	if err != nil {
		return false, err
	}
	if !StepComplete(step, records) {
		return false, nil
	}

	activated, err := e.activator.ActivateNext(ctx, req, stepID)
	if err != nil {
		return false, err
	}
	if len(activated) > 0 {
		return true, nil
	}
	return e.settle(ctx, req)
}

// settle moves the request to Approved when every step holding records is
// complete and no record carries a negative outcome.
func (e *Engine) settle(ctx context.Context, req model.Request) (bool, error) {
	if !req.Status.AcceptsDecisions() {
		return false, nil
	}
	records, err := e.store.LoadRequestApprovals(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}

	byStep := make(map[string][]model.ApprovalRecord)
	for _, rec := range records {
		if rec.Status == model.ApprovalStatusRejected || rec.Status == model.ApprovalStatusNeedsRevision {
			return false, nil
		}
		byStep[rec.StepID] = append(byStep[rec.StepID], rec)
	}
	for stepID, recs := range byStep {
		step, err := e.store.LoadStep(ctx, stepID)
		if err != nil {
			return false, err
		}
		if !StepComplete(step, recs) {
			return false, nil
		}
		open, err := e.pathStillOpen(ctx, stepID, recs, byStep)
		if err != nil || open {
			return false, err
		}
	}

	if _, err := e.transition(ctx, req, model.RequestStatusApproved); err != nil {
		return false, err
	}
	e.log(ctx).Info("request approved", zap.String(observability.FieldRequestID, req.ID))
	return true, nil
}

// pathStillOpen reports whether a complete step still has pending records
// that could unlock a child step not yet activated, as with an ALL edge
// leaving a parallel step.
func (e *Engine) pathStillOpen(ctx context.Context, stepID string, recs []model.ApprovalRecord, byStep map[string][]model.ApprovalRecord) (bool, error) {
	pending := false
	for _, rec := range recs {
		if rec.Status == model.ApprovalStatusPending {
			pending = true
			break
		}
	}
	if !pending {
		return false, nil
	}
	deps, err := e.store.LoadDependents(ctx, stepID)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		if len(byStep[dep.ChildStepID]) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// transition persists a status change. The returned request carries the new
// version.
func (e *Engine) transition(ctx context.Context, req model.Request, to model.RequestStatus) (model.Request, error) {
	from := req.Status
	req.Status = to
	req.UpdatedAt = e.now()
	saved, err := e.store.SaveRequest(ctx, req)
	if err != nil {
		return model.Request{}, err
	}
	e.recorder.RecordRequestTransition(to)
	observability.TransitionEvent(ctx, req.ID, from, to)
	e.log(ctx).Debug("request transition",
		zap.String(observability.FieldRequestID, req.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return saved, nil
}

// decisionPreconditions loads a record and its request and checks the
// approver, the record status and the request status.
func (e *Engine) decisionPreconditions(ctx context.Context, recordID, approverID string) (model.ApprovalRecord, model.Request, error) {
	rec, err := e.store.LoadApprovalRecord(ctx, recordID)
	if err != nil {
		return model.ApprovalRecord{}, model.Request{}, err
	}
	if rec.ApproverID != approverID {
		return model.ApprovalRecord{}, model.Request{}, model.NewForbiddenError(
			fmt.Sprintf("approval record %q is not assigned to %q", recordID, approverID),
		)
	}
	if rec.Status != model.ApprovalStatusPending {
		return model.ApprovalRecord{}, model.Request{}, model.NewConflictError(
			fmt.Sprintf("approval record %q was already processed (%s)", recordID, rec.Status),
		)
	}
	req, err := e.store.LoadRequest(ctx, rec.RequestID)
	if err != nil {
		return model.ApprovalRecord{}, model.Request{}, err
	}
	observability.AnnotateRecord(ctx, rec)
	if !req.Status.AcceptsDecisions() {
		return model.ApprovalRecord{}, model.Request{}, model.NewConflictError(
			fmt.Sprintf("request %q is %s and does not accept decisions", req.ID, req.Status),
		)
	}
	return rec, req, nil
}

func (e *Engine) recordRequest(ctx context.Context, recordID string) (string, error) {
	rec, err := e.store.LoadApprovalRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	return rec.RequestID, nil
}

// withRequestLock runs fn while holding the lock of requestID. Failing to
// get the lock within the lock timeout is reported as CONFLICT.
func (e *Engine) withRequestLock(ctx context.Context, requestID string, fn func(context.Context) error) error {
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	start := time.Now()
	unlock, err := e.locker.Lock(lctx, "request:"+requestID)
	e.recorder.RecordLockWait(time.Since(start))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return model.NewConflictError(fmt.Sprintf("request %q is busy, retry later", requestID))
		}
		return fmt.Errorf("lock request %s: %w", requestID, err)
	}
	defer unlock()
	return fn(ctx)
}

// log returns the engine logger tagged with the API caller of ctx.
func (e *Engine) log(ctx context.Context) *zap.Logger {
	if fields := observability.CallerFields(ctx); len(fields) > 0 {
		return e.logger.With(fields...)
	}
	return e.logger
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

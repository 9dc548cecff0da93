package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu sync.RWMutex

	steps      map[string]model.Step       // key: step ID
	deps       map[string]model.Dependency // key: dependency ID
	conditions map[string]model.Condition  // key: condition ID

	requests map[string]model.Request        // key: request ID
	records  map[string]model.ApprovalRecord // key: record ID
	comments map[string][]model.Comment      // key: request ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps:      make(map[string]model.Step),
		deps:       make(map[string]model.Dependency),
		conditions: make(map[string]model.Condition),
		requests:   make(map[string]model.Request),
		records:    make(map[string]model.ApprovalRecord),
		comments:   make(map[string][]model.Comment),
	}
}

// InstallGraph stores the graph of one workflow type.
func (s *MemoryStore) InstallGraph(_ context.Context, workflowType string, steps []model.Step, deps []model.Dependency, conds []model.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(steps))
	for _, st := range steps {
		keep[st.ID] = true
	}
	for id, st := range s.steps {
		if st.WorkflowType != workflowType || keep[id] {
			continue
		}
		for _, rec := range s.records {
			if rec.StepID == id {
				return model.NewConflictError(
					fmt.Sprintf("step %q is referenced by approval records and cannot be removed", id),
				)
			}
		}
	}

	for id, st := range s.steps {
		if st.WorkflowType == workflowType && !keep[id] {
			delete(s.steps, id)
		}
	}
	for id, d := range s.deps {
		if d.WorkflowType != workflowType {
			continue
		}
		for cid, c := range s.conditions {
			if c.DependencyID == id {
				delete(s.conditions, cid)
			}
		}
		delete(s.deps, id)
	}

	for _, st := range steps {
		st.WorkflowType = workflowType
		s.steps[st.ID] = st
	}
	for _, d := range deps {
		d.WorkflowType = workflowType
		s.deps[d.ID] = d
	}
	for _, c := range conds {
		s.conditions[c.ID] = c
	}
	return nil
}

// LoadSteps returns the steps of a workflow type.
func (s *MemoryStore) LoadSteps(_ context.Context, workflowType string) ([]model.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Step
	for _, st := range s.steps {
		if st.WorkflowType == workflowType {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow type %q has no steps", workflowType),
		)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LoadStep returns a single step.
func (s *MemoryStore) LoadStep(_ context.Context, stepID string) (model.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.steps[stepID]
	if !ok {
		return model.Step{}, stepNotFound(stepID)
	}
	return st, nil
}

// LoadDependencies returns the dependencies whose child is childStepID.
func (s *MemoryStore) LoadDependencies(_ context.Context, childStepID string) ([]model.Dependency, error) {
	return s.edges(childStepID, func(d model.Dependency) bool { return d.ChildStepID == childStepID })
}

// LoadDependents returns the dependencies whose parent is parentStepID.
func (s *MemoryStore) LoadDependents(_ context.Context, parentStepID string) ([]model.Dependency, error) {
	return s.edges(parentStepID, func(d model.Dependency) bool { return d.ParentStepID == parentStepID })
}

func (s *MemoryStore) edges(stepID string, match func(model.Dependency) bool) ([]model.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.steps[stepID]; !ok {
		return nil, stepNotFound(stepID)
	}
	var out []model.Dependency
	for _, d := range s.deps {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadDependency returns a single dependency.
func (s *MemoryStore) LoadDependency(_ context.Context, dependencyID string) (model.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deps[dependencyID]
	if !ok {
		return model.Dependency{}, dependencyNotFound(dependencyID)
	}
	return d, nil
}

// LoadConditions returns the conditions of a dependency.
func (s *MemoryStore) LoadConditions(_ context.Context, dependencyID string) ([]model.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.deps[dependencyID]; !ok {
		return nil, dependencyNotFound(dependencyID)
	}
	var out []model.Condition
	for _, c := range s.conditions {
		if c.DependencyID == dependencyID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveCondition attaches a condition to its dependency.
func (s *MemoryStore) SaveCondition(_ context.Context, c model.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deps[c.DependencyID]; !ok {
		return dependencyNotFound(c.DependencyID)
	}
	if _, exists := s.conditions[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("condition %q already exists", c.ID))
	}
	s.conditions[c.ID] = c
	return nil
}

// CreateRequest persists a new request.
func (s *MemoryStore) CreateRequest(_ context.Context, req model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

// LoadRequest returns a request by id.
func (s *MemoryStore) LoadRequest(_ context.Context, requestID string) (model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[requestID]
	if !ok {
		return model.Request{}, requestNotFound(requestID)
	}
	return cloneRequest(req), nil
}

// SaveRequest persists an updated request with optimistic locking.
func (s *MemoryStore) SaveRequest(_ context.Context, req model.Request) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.requests[req.ID]
	if !ok {
		return model.Request{}, requestNotFound(req.ID)
	}
	if existing.Version != req.Version {
		return model.Request{}, model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d, got %d)", req.ID, req.Version, existing.Version),
		)
	}

	req.Version++
	s.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

// ListRequests returns requests matching the filter.
func (s *MemoryStore) ListRequests(_ context.Context, filter RequestFilter) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Request
	for _, req := range s.requests {
		if filter.matches(req) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CreateApprovalRecords inserts the records of one (request, step) pair.
func (s *MemoryStore) CreateApprovalRecords(_ context.Context, records []model.ApprovalRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requestID, stepID := records[0].RequestID, records[0].StepID
	if _, ok := s.requests[requestID]; !ok {
		return requestNotFound(requestID)
	}
	if _, ok := s.steps[stepID]; !ok {
		return stepNotFound(stepID)
	}
	for _, rec := range s.records {
		if rec.RequestID == requestID && rec.StepID == stepID {
			return recordsExist(requestID, stepID)
		}
	}

	approvers := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.RequestID != requestID || rec.StepID != stepID {
			return model.NewBadRequestError("approval records in one batch must share request and step")
		}
		if approvers[rec.ApproverID] {
			return model.NewConflictError(
				fmt.Sprintf("approver %q listed twice for step %q", rec.ApproverID, stepID),
			)
		}
		if _, exists := s.records[rec.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("approval record %q already exists", rec.ID))
		}
		approvers[rec.ApproverID] = true
	}

	for _, rec := range records {
		s.records[rec.ID] = rec
	}
	return nil
}

// LoadApprovalRecords returns the records of a step on a request.
func (s *MemoryStore) LoadApprovalRecords(_ context.Context, requestID, stepID string) ([]model.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.requests[requestID]; !ok {
		return nil, requestNotFound(requestID)
	}
	if _, ok := s.steps[stepID]; !ok {
		return nil, stepNotFound(stepID)
	}
	return s.collectRecords(func(r model.ApprovalRecord) bool {
		return r.RequestID == requestID && r.StepID == stepID
	}), nil
}

// LoadRequestApprovals returns every record of a request.
func (s *MemoryStore) LoadRequestApprovals(_ context.Context, requestID string) ([]model.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.requests[requestID]; !ok {
		return nil, requestNotFound(requestID)
	}
	return s.collectRecords(func(r model.ApprovalRecord) bool { return r.RequestID == requestID }), nil
}

func (s *MemoryStore) collectRecords(match func(model.ApprovalRecord) bool) []model.ApprovalRecord {
	var out []model.ApprovalRecord
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LoadApprovalRecord returns a single record.
func (s *MemoryStore) LoadApprovalRecord(_ context.Context, recordID string) (model.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordID]
	if !ok {
		return model.ApprovalRecord{}, recordNotFound(recordID)
	}
	return rec, nil
}

// UpdateApprovalRecord overwrites a record whose stored status is from.
func (s *MemoryStore) UpdateApprovalRecord(_ context.Context, rec model.ApprovalRecord, from model.ApprovalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok {
		return recordNotFound(rec.ID)
	}
	if existing.Status != from {
		return model.NewConflictError(
			fmt.Sprintf("approval record %q is %s, expected %s", rec.ID, existing.Status, from),
		)
	}
	s.records[rec.ID] = rec
	return nil
}

// LoadComments returns the comments of a request.
func (s *MemoryStore) LoadComments(_ context.Context, requestID string) ([]model.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.requests[requestID]; !ok {
		return nil, requestNotFound(requestID)
	}
	src := s.comments[requestID]
	out := make([]model.Comment, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveComment persists a new comment.
func (s *MemoryStore) SaveComment(_ context.Context, c model.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[c.RequestID]; !ok {
		return requestNotFound(c.RequestID)
	}
	for _, existing := range s.comments[c.RequestID] {
		if existing.ID == c.ID {
			return model.NewConflictError(fmt.Sprintf("comment %q already exists", c.ID))
		}
	}
	s.comments[c.RequestID] = append(s.comments[c.RequestID], c)
	return nil
}

// Len returns the number of stored requests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func cloneRequest(req model.Request) model.Request {
	if req.Attributes != nil {
		attrs := make(map[string]string, len(req.Attributes))
		for k, v := range req.Attributes {
			attrs[k] = v
		}
		req.Attributes = attrs
	}
	return req
}

func requestNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
}

func stepNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("step %q not found", id))
}

func dependencyNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("dependency %q not found", id))
}

func recordNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("approval record %q not found", id))
}

func recordsExist(requestID, stepID string) error {
	return model.NewConflictError(
		fmt.Sprintf("step %q already has approval records on request %q", stepID, requestID),
	)
}

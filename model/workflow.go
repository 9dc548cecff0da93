package model

import "time"

// RequestStatus is the top-level lifecycle state of an approval request.
type RequestStatus string

// Request status constants.
const (
	RequestStatusDraft         RequestStatus = "draft"
	RequestStatusSubmitted     RequestStatus = "submitted"
	RequestStatusInProgress    RequestStatus = "in_progress"
	RequestStatusNeedsRevision RequestStatus = "needs_revision"
	RequestStatusApproved      RequestStatus = "approved"
	RequestStatusRejected      RequestStatus = "rejected"
	RequestStatusCancelled     RequestStatus = "cancelled"
	RequestStatusResubmitted   RequestStatus = "resubmitted"
)

// Terminal reports whether no further transition is allowed on this request
// instance. NeedsRevision and Rejected continue only through a new request.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusApproved, RequestStatusRejected, RequestStatusNeedsRevision, RequestStatusCancelled:
		return true
	}
	return false
}

// AcceptsDecisions reports whether approvers may act on the request's records.
func (s RequestStatus) AcceptsDecisions() bool {
	return s == RequestStatusSubmitted || s == RequestStatusInProgress
}

// ApprovalStatus is the state of one approver's record for one step.
type ApprovalStatus string

// Approval record status constants.
const (
	ApprovalStatusPending       ApprovalStatus = "pending"
	ApprovalStatusApproved      ApprovalStatus = "approved"
	ApprovalStatusRejected      ApprovalStatus = "rejected"
	ApprovalStatusNeedsRevision ApprovalStatus = "needs_revision"
)

// Valid reports whether s is a known approval status.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusNeedsRevision:
		return true
	}
	return false
}

// Request is one run of a workflow type: a subject moving through the
// approval graph. PredecessorID links a resubmission to the request it
// replaces.
type Request struct {
	ID            string            `json:"id"`
	WorkflowType  string            `json:"workflow_type"`
	Subject       string            `json:"subject"`
	Description   string            `json:"description,omitempty"`
	Status        RequestStatus     `json:"status"`
	RequesterID   string            `json:"requester_id"`
	PredecessorID string            `json:"predecessor_id,omitempty"`
	Amount        float64           `json:"amount"`
	Department    string            `json:"department,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Version       int               `json:"version"`
}

// ApprovalRecord is one approver's outcome for one step of one request.
// There is at most one record per (request, step, approver).
type ApprovalRecord struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id"`
	StepID            string         `json:"step_id"`
	ApproverID        string         `json:"approver_id"`
	Status            ApprovalStatus `json:"status"`
	DecisiveCommentID string         `json:"decisive_comment_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Comment is a note on a request, optionally bound to one approval record
// and optionally replying to another comment. Comments are never edited.
type Comment struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ApprovalID string    `json:"approval_id,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	AuthorID   string    `json:"author_id"`
	Text       string    `json:"text"`
	Decisive   bool      `json:"decisive"`
	CreatedAt  time.Time `json:"created_at"`
}

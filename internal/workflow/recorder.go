package workflow

import (
	"time"

	"github.com/pitabwire/approvals/model"
)

// Recorder receives engine events for metrics. *observability.Metrics
// implements it.
type Recorder interface {
	RecordRequestTransition(status model.RequestStatus)
	RecordDecision(decision model.ApprovalStatus)
	RecordStepActivation(workflowType string)
	RecordReadinessCheck(ready bool)
	RecordConditionFailure()
	RecordLockWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequestTransition(model.RequestStatus) {}
func (nopRecorder) RecordDecision(model.ApprovalStatus)         {}
func (nopRecorder) RecordStepActivation(string)                 {}
func (nopRecorder) RecordReadinessCheck(bool)                   {}
func (nopRecorder) RecordConditionFailure()                     {}
func (nopRecorder) RecordLockWait(time.Duration)                {}

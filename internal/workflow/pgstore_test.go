package workflow

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

// newTestPgStore connects to APPROVALS_TEST_DATABASE_URL and resets the
// schema. Tests using it are skipped when the variable is not set.
func newTestPgStore(t *testing.T) *PgStore {
	t.Helper()
	dsn := os.Getenv("APPROVALS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("APPROVALS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS approval_comments, approval_records, approval_requests,
		approval_conditions, approval_dependencies, approval_steps CASCADE`)
	if err != nil {
		t.Fatalf("drop tables: %v", err)
	}
	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestPgStore_RoundTrip(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()

	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	err := s.InstallGraph(ctx, "purchase",
		[]model.Step{{ID: "manager", Name: "Manager", Order: 1}, {ID: "director", Name: "Director", Order: 2}},
		[]model.Dependency{{ID: "manager-director", ParentStepID: "manager", ChildStepID: "director", Kind: model.ConditionSpecific}},
		[]model.Condition{{ID: "c1", DependencyID: "manager-director", RequiredApprovalID: "rec-1", RequiredStatus: model.ApprovalStatusApproved, Parameter: "Amount > 5000"}},
	)
	if err != nil {
		t.Fatalf("InstallGraph: %v", err)
	}

	steps, err := s.LoadSteps(ctx, "purchase")
	if err != nil || len(steps) != 2 || steps[0].ID != "manager" {
		t.Fatalf("LoadSteps = %+v, %v", steps, err)
	}
	conds, err := s.LoadConditions(ctx, "manager-director")
	if err != nil || len(conds) != 1 || conds[0].Parameter != "Amount > 5000" {
		t.Fatalf("LoadConditions = %+v, %v", conds, err)
	}

	req := testRequest("req-1")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	got, err := s.LoadRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("LoadRequest: %v", err)
	}
	if got.Attributes["cost_center"] != "cc-1" || got.Amount != 1200 {
		t.Errorf("request = %+v", got)
	}

	got.Status = model.RequestStatusSubmitted
	saved, err := s.SaveRequest(ctx, got)
	if err != nil || saved.Version != 2 {
		t.Fatalf("SaveRequest = %+v, %v", saved, err)
	}
	if _, err := s.SaveRequest(ctx, got); !model.IsConflict(err) {
		t.Errorf("stale SaveRequest error = %v, want CONFLICT", err)
	}

	recs := []model.ApprovalRecord{pendingRecord("rec-1", "req-1", "manager", "user-manager")}
	if err := s.CreateApprovalRecords(ctx, recs); err != nil {
		t.Fatalf("CreateApprovalRecords: %v", err)
	}
	again := []model.ApprovalRecord{pendingRecord("rec-2", "req-1", "manager", "user-other")}
	if err := s.CreateApprovalRecords(ctx, again); !model.IsConflict(err) {
		t.Errorf("second activation error = %v, want CONFLICT", err)
	}

	rec := recs[0]
	rec.Status = model.ApprovalStatusApproved
	if err := s.UpdateApprovalRecord(ctx, rec, model.ApprovalStatusPending); err != nil {
		t.Fatalf("UpdateApprovalRecord: %v", err)
	}
	if err := s.UpdateApprovalRecord(ctx, rec, model.ApprovalStatusPending); !model.IsConflict(err) {
		t.Errorf("second update error = %v, want CONFLICT", err)
	}

	c := model.Comment{ID: "cm-1", RequestID: "req-1", ApprovalID: "rec-1", AuthorID: "user-manager", Text: "ok", CreatedAt: t0}
	if err := s.SaveComment(ctx, c); err != nil {
		t.Fatalf("SaveComment: %v", err)
	}
	comments, err := s.LoadComments(ctx, "req-1")
	if err != nil || len(comments) != 1 || comments[0].ApprovalID != "rec-1" {
		t.Errorf("LoadComments = %+v, %v", comments, err)
	}

	if err := s.InstallGraph(ctx, "purchase", []model.Step{{ID: "director", Name: "Director", Order: 1}}, nil, nil); !model.IsConflict(err) {
		t.Errorf("removing a referenced step error = %v, want CONFLICT", err)
	}

	open, err := s.ListRequests(ctx, RequestFilter{Statuses: []model.RequestStatus{model.RequestStatusSubmitted}})
	if err != nil || len(open) != 1 {
		t.Errorf("ListRequests = %+v, %v", open, err)
	}
}

func TestPgStore_NotFound(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()

	if _, err := s.LoadRequest(ctx, "ghost"); !model.IsNotFound(err) {
		t.Errorf("LoadRequest error = %v, want NOT_FOUND", err)
	}
	if _, err := s.LoadSteps(ctx, "ghost"); !model.IsNotFound(err) {
		t.Errorf("LoadSteps error = %v, want NOT_FOUND", err)
	}
	if _, err := s.LoadApprovalRecord(ctx, "ghost"); !model.IsNotFound(err) {
		t.Errorf("LoadApprovalRecord error = %v, want NOT_FOUND", err)
	}
	if _, err := s.LoadComments(ctx, "ghost"); !model.IsNotFound(err) {
		t.Errorf("LoadComments error = %v, want NOT_FOUND", err)
	}
}

package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"AgentPilot/internal/proposal"
)

func newServiceFixture(t *testing.T) (*Service, *proposal.MemoryStore) {
	t.Helper()
	store := proposal.NewMemoryStore()
	svc, err := NewService(store, store, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func seedPending(t *testing.T, store *proposal.MemoryStore, id string) {
	t.Helper()
	now := time.Now().Unix()
	p := &proposal.Proposal{
		ID:             id,
		AgentID:        "agent-a",
		ActionName:     "archive_records",
		ProposedAction: map[string]any{"older_than_days": 90},
		Status:         proposal.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
}

func TestApproveWithModifiedAction(t *testing.T) {
	svc, store := newServiceFixture(t)
	ctx := context.Background()
	seedPending(t, store, "p-1")

	approved, err := svc.Approve(ctx, "p-1", "ops@example.com", "narrow the window", map[string]any{"older_than_days": 180})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != proposal.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.ReviewedBy != "ops@example.com" || approved.ReviewNotes != "narrow the window" {
		t.Fatalf("review metadata missing: %+v", approved)
	}
	if approved.EffectiveParams()["older_than_days"] != 180 {
		t.Fatalf("modified action must win: %v", approved.EffectiveParams())
	}
	// 原始参数保留用于审计
	if approved.ProposedAction["older_than_days"] != 90 {
		t.Fatalf("proposed action must be preserved: %v", approved.ProposedAction)
	}
}

func TestApproveRequiresReviewer(t *testing.T) {
	svc, store := newServiceFixture(t)
	seedPending(t, store, "p-2")

	if _, err := svc.Approve(context.Background(), "p-2", "  ", "", nil); err == nil {
		t.Fatal("blank reviewer must be rejected")
	}
}

func TestApproveSettledProposalConflicts(t *testing.T) {
	svc, store := newServiceFixture(t)
	ctx := context.Background()
	seedPending(t, store, "p-3")

	if _, err := svc.Reject(ctx, "p-3", "ops", "not now"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := svc.Approve(ctx, "p-3", "ops", "", nil)
	if !errors.Is(err, proposal.ErrProposalConflict) {
		t.Fatalf("expected conflict on settled proposal, got %v", err)
	}
}

func TestExpire(t *testing.T) {
	svc, store := newServiceFixture(t)
	ctx := context.Background()
	seedPending(t, store, "p-4")

	if err := svc.Expire(ctx, "p-4"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	expired, err := svc.Get(ctx, "p-4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.Status != proposal.StatusExpired {
		t.Fatalf("expected expired, got %s", expired.Status)
	}
}

func TestListPendingOrdersOldestFirst(t *testing.T) {
	svc, store := newServiceFixture(t)
	ctx := context.Background()

	// 创建时间不同，更新时间相同，排序回退到创建时间
	old := &proposal.Proposal{
		ID:         "p-old",
		AgentID:    "agent-a",
		ActionName: "archive_records",
		Status:     proposal.StatusPending,
		CreatedAt:  time.Now().Add(-time.Hour).Unix(),
	}
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	seedPending(t, store, "p-new")

	pending, err := svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected two pending, got %d", len(pending))
	}
	if pending[0].ID != "p-old" || pending[1].ID != "p-new" {
		t.Fatalf("pending queue must be oldest first: %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestReviewExecution(t *testing.T) {
	svc, store := newServiceFixture(t)
	ctx := context.Background()

	rec := &proposal.ExecutionRecord{
		ID:           "r-1",
		AgentID:      "agent-a",
		ActionName:   "sync_contacts",
		Confidence:   0.5,
		WithinBounds: true,
		CreatedAt:    time.Now().Unix(),
	}
	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	flagged, err := svc.ListFlaggedExecutions(ctx, 10)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flagged) != 1 || flagged[0].ID != "r-1" {
		t.Fatalf("low-confidence record must be flagged: %+v", flagged)
	}

	reviewed, err := svc.ReviewExecution(ctx, "r-1", "ops@example.com", proposal.ReviewCorrect)
	if err != nil {
		t.Fatalf("review execution: %v", err)
	}
	if reviewed.ReviewOutcome != proposal.ReviewCorrect || reviewed.ReviewedBy != "ops@example.com" {
		t.Fatalf("review not recorded: %+v", reviewed)
	}

	flagged, err = svc.ListFlaggedExecutions(ctx, 10)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flagged) != 0 {
		t.Fatalf("reviewed record must leave the queue: %+v", flagged)
	}
}

func TestReviewExecutionRequiresReviewer(t *testing.T) {
	svc, _ := newServiceFixture(t)

	if _, err := svc.ReviewExecution(context.Background(), "r-x", "", proposal.ReviewCorrect); err == nil {
		t.Fatal("blank reviewer must be rejected")
	}
}

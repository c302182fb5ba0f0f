package proposal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreStatusTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := &Proposal{ID: "p1", AgentID: "agent-a", ActionName: "archive_records"}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if err := store.Create(ctx, &Proposal{ID: "p1", AgentID: "agent-a", ActionName: "x"}); !errors.Is(err, ErrProposalConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	stored, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("expected pending default, got %s", stored.Status)
	}

	// 执行中不是待审批提案的合法下一跳
	if err := store.UpdateStatus(ctx, "p1", StatusPending, StatusExecuting, nil); err == nil {
		t.Fatal("expected invalid transition to be rejected")
	}

	meta := &ReviewMeta{ReviewedBy: "ops@example.com", Notes: "ok", ModifiedAction: map[string]any{"older_than_days": 60}}
	if err := store.UpdateStatus(ctx, "p1", StatusPending, StatusApproved, meta); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := store.UpdateStatus(ctx, "p1", StatusPending, StatusApproved, meta); !errors.Is(err, ErrProposalConflict) {
		t.Fatalf("expected conflict on stale approve, got %v", err)
	}

	approved, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get approved: %v", err)
	}
	if approved.ReviewedBy != "ops@example.com" {
		t.Fatalf("reviewer not recorded: %q", approved.ReviewedBy)
	}
	if approved.ModifiedAction["older_than_days"] != 60 {
		t.Fatalf("modified action not recorded: %v", approved.ModifiedAction)
	}

	executing, err := store.BeginExecution(ctx, "p1")
	if err != nil {
		t.Fatalf("begin execution: %v", err)
	}
	if executing.Status != StatusExecuting || executing.ExecutionStartedAt == 0 {
		t.Fatalf("unexpected executing snapshot: %+v", executing)
	}
	if _, err := store.BeginExecution(ctx, "p1"); !errors.Is(err, ErrProposalConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	if err := store.MarkCompleted(ctx, "p1", map[string]any{"archived": 12}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	done, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	if done.Status != StatusCompleted || done.ExecutionCompletedAt == 0 {
		t.Fatalf("unexpected completed snapshot: %+v", done)
	}
	if err := store.MarkFailed(ctx, "p1", "boom"); !errors.Is(err, ErrProposalConflict) {
		t.Fatalf("expected conflict marking completed proposal failed, got %v", err)
	}
}

func TestMemoryStoreCloneOnRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Proposal{
		ID:             "p1",
		AgentID:        "agent-a",
		ActionName:     "sync_contacts",
		ProposedAction: map[string]any{"batch_size": 100},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = StatusCompleted
	got.ProposedAction["batch_size"] = 999

	again, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != StatusPending {
		t.Fatalf("caller mutation leaked into store: %s", again.Status)
	}
	if again.ProposedAction["batch_size"] != 100 {
		t.Fatalf("param mutation leaked into store: %v", again.ProposedAction)
	}
}

func TestMemoryStoreChildren(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Proposal{ID: "parent", AgentID: "a", ActionName: "coordinate_agents"}); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	base := time.Now().Unix()
	children := []*Proposal{
		{ID: "c2", AgentID: "a", ActionName: "x", ParentProposalID: "parent", CreatedAt: base + 1},
		{ID: "c1", AgentID: "a", ActionName: "x", ParentProposalID: "parent", CreatedAt: base},
	}
	for _, child := range children {
		if err := store.Create(ctx, child); err != nil {
			t.Fatalf("create child %s: %v", child.ID, err)
		}
		if err := store.AppendChild(ctx, "parent", child.ID); err != nil {
			t.Fatalf("append child %s: %v", child.ID, err)
		}
	}
	// 重复追加不产生重复项
	if err := store.AppendChild(ctx, "parent", "c1"); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}

	parent, err := store.Get(ctx, "parent")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if len(parent.ChildProposalIDs) != 2 {
		t.Fatalf("expected 2 cached children, got %v", parent.ChildProposalIDs)
	}

	listed, err := store.ListChildren(ctx, "parent")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "c1" || listed[1].ID != "c2" {
		t.Fatalf("unexpected child order: %+v", listed)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	proposals := []*Proposal{
		{ID: "p1", AgentID: "agent-a", ActionName: "x"},
		{ID: "p2", AgentID: "agent-a", ActionName: "y", TargetAgentID: "agent-b"},
		{ID: "p3", AgentID: "agent-c", ActionName: "z"},
	}
	for _, p := range proposals {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("create proposal %s: %v", p.ID, err)
		}
	}

	if err := store.UpdateStatus(ctx, "p2", StatusPending, StatusRejected, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}

	store.mu.Lock()
	store.proposals["p1"].UpdatedAt = base.Unix()
	store.proposals["p2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.proposals["p3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 proposals, got %d", len(all))
	}
	if all[0].ID != "p3" {
		t.Fatalf("expected newest proposal first, got %s", all[0].ID)
	}

	rejected, err := store.List(ctx, BuildListOptions(WithStatuses(StatusRejected)))
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	if len(rejected) != 1 || rejected[0].ID != "p2" {
		t.Fatalf("unexpected rejected list: %+v", rejected)
	}

	byAgent, err := store.List(ctx, BuildListOptions(WithAgent("agent-a")))
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("expected 2 proposals for agent-a, got %d", len(byAgent))
	}

	byTarget, err := store.List(ctx, BuildListOptions(WithTargetAgent("agent-b")))
	if err != nil {
		t.Fatalf("list by target: %v", err)
	}
	if len(byTarget) != 1 || byTarget[0].ID != "p2" {
		t.Fatalf("unexpected target list: %+v", byTarget)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(since)))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 proposals to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Proposal{ID: id, AgentID: "agent", ActionName: "x"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.UpdateStatus(ctx, "b", StatusPending, StatusApproved, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := store.UpdateStatus(ctx, "c", StatusPending, StatusExpired, nil); err != nil {
		t.Fatalf("expire: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Approved != 1 || stats.Expired != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMemoryStoreRecordFlagging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	records := []*ExecutionRecord{
		{ID: "r1", AgentID: "agent", ActionName: "x", Confidence: 0.9, WithinBounds: true},
		{ID: "r2", AgentID: "agent", ActionName: "x", Confidence: 0.5, WithinBounds: true},
		{ID: "r3", AgentID: "agent", ActionName: "x", Confidence: 0.9, WithinBounds: false},
	}
	for _, rec := range records {
		if err := store.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("create record %s: %v", rec.ID, err)
		}
	}

	r1, err := store.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("get r1: %v", err)
	}
	if r1.FlaggedForReview {
		t.Fatal("confident in-bounds record should not be flagged")
	}

	flagged, err := store.ListFlagged(ctx, 10)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flagged) != 2 {
		t.Fatalf("expected 2 flagged records, got %d", len(flagged))
	}

	if err := store.ReviewRecord(ctx, "r2", "ops@example.com", ReviewOutcome("bogus")); err == nil {
		t.Fatal("expected invalid outcome to be rejected")
	}
	if err := store.ReviewRecord(ctx, "r2", "ops@example.com", ReviewCorrect); err != nil {
		t.Fatalf("review record: %v", err)
	}

	remaining, err := store.ListFlagged(ctx, 10)
	if err != nil {
		t.Fatalf("list flagged after review: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "r3" {
		t.Fatalf("unexpected flagged remainder: %+v", remaining)
	}
}

func TestMemoryStoreSuggestions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Unix()
	for i, id := range []string{"s1", "s2", "s3"} {
		if err := store.CreateSuggestion(ctx, &Suggestion{
			ID:         id,
			AgentID:    "agent",
			ActionName: "delete_account",
			CreatedAt:  base + int64(i),
		}); err != nil {
			t.Fatalf("create suggestion %s: %v", id, err)
		}
	}

	listed, err := store.ListSuggestions(ctx, 2)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "s3" {
		t.Fatalf("unexpected suggestion list: %+v", listed)
	}
}

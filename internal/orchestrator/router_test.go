package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"AgentPilot/internal/action"
	"AgentPilot/internal/bounds"
	"AgentPilot/internal/proposal"
)

func floatPtr(v float64) *float64 { return &v }

func newTestRegistry() *action.MemoryRegistry {
	registry := action.NewMemoryRegistry()
	registry.Register(action.Definition{Name: "delete_account", AutonomyLevel: action.LevelSuggest, RiskLevel: action.RiskHigh})
	registry.Register(action.Definition{Name: "archive_records", AutonomyLevel: action.LevelPropose, RiskLevel: action.RiskMedium, Reversible: true})
	registry.Register(action.Definition{Name: "sync_contacts", AutonomyLevel: action.LevelAutonomous, RiskLevel: action.RiskLow, Reversible: true})
	return registry
}

func newTestChecker() *bounds.RuleChecker {
	return bounds.NewRuleChecker(map[string][]bounds.Rule{
		"sync_contacts": {{Param: "batch_size", Required: true, Max: floatPtr(500), Min: floatPtr(1)}},
	})
}

func newTestRouter(t *testing.T) (*Router, *proposal.MemoryStore) {
	t.Helper()
	store := proposal.NewMemoryStore()
	router, err := NewRouter("agent-a", newTestRegistry(), newTestChecker(), store, store, store)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router, store
}

func noopExecutor(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

func TestExecuteRoutesByAutonomyLevel(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	suggested, err := router.Execute(ctx, Task{
		ActionName:  "delete_account",
		Params:      map[string]any{"account_id": "u-1"},
		Confidence:  0.4,
		Explanation: "account inactive for two years",
	})
	if err != nil {
		t.Fatalf("execute suggest-level: %v", err)
	}
	if suggested.Kind != DecisionSuggested || suggested.SuggestionID == "" {
		t.Fatalf("unexpected decision: %+v", suggested)
	}
	suggestions, err := store.ListSuggestions(ctx, 10)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	if len(suggestions) != 1 || suggestions[0].ActionName != "delete_account" {
		t.Fatalf("suggestion not persisted: %+v", suggestions)
	}

	proposed, err := router.Execute(ctx, Task{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
		Trigger:    "storage threshold exceeded",
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("execute propose-level: %v", err)
	}
	if proposed.Kind != DecisionProposed || proposed.Status != proposal.StatusPending {
		t.Fatalf("unexpected decision: %+v", proposed)
	}
	p, err := store.Get(ctx, proposed.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Reasoning.Trigger != "storage threshold exceeded" {
		t.Fatalf("reasoning not recorded: %+v", p.Reasoning)
	}
	if p.Reasoning.ImpactAssessment.AutonomyLevel != 2 || !p.Reasoning.ImpactAssessment.WithinBounds {
		t.Fatalf("unexpected impact assessment: %+v", p.Reasoning.ImpactAssessment)
	}

	executed, err := router.Execute(ctx, Task{
		ActionName: "sync_contacts",
		Params:     map[string]any{"batch_size": 100},
		Confidence: 0.9,
		Execute:    noopExecutor,
	})
	if err != nil {
		t.Fatalf("execute autonomous-level: %v", err)
	}
	if executed.Kind != DecisionExecuted || executed.RecordID == "" {
		t.Fatalf("unexpected decision: %+v", executed)
	}
	if executed.Flagged {
		t.Fatal("confident in-bounds execution should not be flagged")
	}
	if !executed.Outcome.Success {
		t.Fatalf("unexpected outcome: %+v", executed.Outcome)
	}
}

func TestBoundsViolationForcesProposalEvenForAutonomousAction(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	decision, err := router.Execute(ctx, Task{
		ActionName: "sync_contacts",
		Params:     map[string]any{"batch_size": 1000},
		Confidence: 0.95,
		Execute:    noopExecutor,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if decision.Kind != DecisionProposed {
		t.Fatalf("out-of-bounds autonomous action must become a proposal, got %s", decision.Kind)
	}

	p, err := store.Get(ctx, decision.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != proposal.StatusPending {
		t.Fatalf("unexpected status: %s", p.Status)
	}
	if p.Reasoning.BoundsCheck == nil || p.Reasoning.BoundsCheck.WithinBounds {
		t.Fatalf("bounds check not recorded: %+v", p.Reasoning.BoundsCheck)
	}
	if len(p.Reasoning.BoundsCheck.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", p.Reasoning.BoundsCheck.Violations)
	}

	// 没有任何自治执行记录
	records, err := store.ListFlagged(ctx, 10)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("no execution record should exist, got %+v", records)
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	router, _ := newTestRouter(t)

	_, err := router.Execute(context.Background(), Task{ActionName: "not_registered"})
	if !errors.Is(err, action.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestExecuteAutonomousGuards(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()

	// 审批级别的动作不允许自治执行
	_, _, err := router.ExecuteAutonomous(ctx, Task{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
		Execute:    noopExecutor,
	})
	if !errors.Is(err, proposal.ErrRequiresApproval) {
		t.Fatalf("expected ErrRequiresApproval for level-2 action, got %v", err)
	}

	// 越界的自治动作同样要走审批
	_, _, err = router.ExecuteAutonomous(ctx, Task{
		ActionName: "sync_contacts",
		Params:     map[string]any{"batch_size": 9999},
		Execute:    noopExecutor,
	})
	if !errors.Is(err, proposal.ErrRequiresApproval) {
		t.Fatalf("expected ErrRequiresApproval for out-of-bounds action, got %v", err)
	}

	_, _, err = router.ExecuteAutonomous(ctx, Task{
		ActionName: "sync_contacts",
		Params:     map[string]any{"batch_size": 10},
	})
	if !errors.Is(err, proposal.ErrMissingExecutor) {
		t.Fatalf("expected ErrMissingExecutor, got %v", err)
	}
}

func TestExecuteAutonomousFlagsLowConfidence(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, outcome, err := router.ExecuteAutonomous(context.Background(), Task{
		ActionName: "sync_contacts",
		Params:     map[string]any{"batch_size": 10},
		Confidence: 0.5,
		Execute:    noopExecutor,
	})
	if err != nil {
		t.Fatalf("execute autonomous: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if !rec.FlaggedForReview {
		t.Fatal("low-confidence execution must be flagged for review")
	}
}

func TestExecuteAutonomousRecordsFailure(t *testing.T) {
	router, store := newTestRouter(t)

	rec, outcome, err := router.ExecuteAutonomous(context.Background(), Task{
		ActionName: "sync_contacts",
		Params:     map[string]any{"batch_size": 10},
		Confidence: 0.9,
		Execute: func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("upstream unavailable")
		},
	})
	if err != nil {
		t.Fatalf("execute autonomous: %v", err)
	}
	if outcome.Success {
		t.Fatal("expected failed outcome")
	}
	if rec.ErrorMessage != "upstream unavailable" {
		t.Fatalf("error not recorded: %q", rec.ErrorMessage)
	}

	stored, err := store.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.ErrorMessage != "upstream unavailable" {
		t.Fatalf("record not persisted: %+v", stored)
	}
}

func TestExecuteApprovedLifecycle(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	p, err := router.Propose(ctx, Task{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// 审查者修订参数后批准
	meta := &proposal.ReviewMeta{
		ReviewedBy:     "ops@example.com",
		ModifiedAction: map[string]any{"older_than_days": 180},
	}
	if err := store.UpdateStatus(ctx, p.ID, proposal.StatusPending, proposal.StatusApproved, meta); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var gotParams map[string]any
	outcome, err := router.ExecuteApproved(ctx, p.ID, func(_ context.Context, params map[string]any) (any, error) {
		gotParams = params
		return map[string]any{"archived": 7}, nil
	})
	if err != nil {
		t.Fatalf("execute approved: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if gotParams["older_than_days"] != 180 {
		t.Fatalf("executor must receive modified params, got %v", gotParams)
	}

	done, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if done.Status != proposal.StatusCompleted {
		t.Fatalf("unexpected status: %s", done.Status)
	}
	if done.ExecutionStartedAt == 0 || done.ExecutionCompletedAt == 0 {
		t.Fatalf("execution timestamps missing: %+v", done)
	}
}

func TestExecuteApprovedRequiresApprovedStatus(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	p, err := router.Propose(ctx, Task{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	_, err = router.ExecuteApproved(ctx, p.ID, noopExecutor)
	if !errors.Is(err, proposal.ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}

	// 前置条件失败不得产生副作用
	unchanged, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if unchanged.Status != proposal.StatusPending || unchanged.ExecutionStartedAt != 0 {
		t.Fatalf("proposal mutated by failed precondition: %+v", unchanged)
	}
}

func TestExecuteApprovedMissingExecutor(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	p, err := router.Propose(ctx, Task{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := store.UpdateStatus(ctx, p.ID, proposal.StatusPending, proposal.StatusApproved, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err = router.ExecuteApproved(ctx, p.ID, nil)
	if !errors.Is(err, proposal.ErrMissingExecutor) {
		t.Fatalf("expected ErrMissingExecutor, got %v", err)
	}

	still, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if still.Status != proposal.StatusApproved {
		t.Fatalf("proposal must stay approved, got %s", still.Status)
	}
}

func TestExecuteApprovedRecordsFailure(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	p, err := router.Propose(ctx, Task{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := store.UpdateStatus(ctx, p.ID, proposal.StatusPending, proposal.StatusApproved, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	outcome, err := router.ExecuteApproved(ctx, p.ID, func(context.Context, map[string]any) (any, error) {
		return nil, fmt.Errorf("disk full")
	})
	if err != nil {
		t.Fatalf("execute approved: %v", err)
	}
	if outcome.Success {
		t.Fatal("expected failed outcome")
	}

	failed, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if failed.Status != proposal.StatusFailed || failed.ExecutionError != "disk full" {
		t.Fatalf("failure not recorded: %+v", failed)
	}
}

func TestExecuteApprovedRecoversPanic(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	p, err := router.Propose(ctx, Task{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := store.UpdateStatus(ctx, p.ID, proposal.StatusPending, proposal.StatusApproved, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	outcome, err := router.ExecuteApproved(ctx, p.ID, func(context.Context, map[string]any) (any, error) {
		panic("executor exploded")
	})
	if err != nil {
		t.Fatalf("execute approved: %v", err)
	}
	if outcome.Success || outcome.Err == nil {
		t.Fatalf("panic must surface as failed outcome: %+v", outcome)
	}

	failed, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if failed.Status != proposal.StatusFailed {
		t.Fatalf("unexpected status after panic: %s", failed.Status)
	}
}

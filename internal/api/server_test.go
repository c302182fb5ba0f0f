package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentPilot/internal/action"
	"AgentPilot/internal/bounds"
	"AgentPilot/internal/orchestrator"
	"AgentPilot/internal/proposal"
	"AgentPilot/internal/review"
)

type staticExecutors map[string]orchestrator.TaskFunc

func (s staticExecutors) Executor(name string) (orchestrator.TaskFunc, bool) {
	fn, ok := s[name]
	return fn, ok
}

func floatPtr(v float64) *float64 { return &v }

func newServerFixture(t *testing.T, executors staticExecutors) (*Server, *proposal.MemoryStore) {
	t.Helper()

	registry := action.NewMemoryRegistry()
	registry.Register(action.Definition{Name: "archive_records", AutonomyLevel: action.LevelPropose, RiskLevel: action.RiskMedium, Reversible: true})
	registry.Register(action.Definition{Name: "sync_contacts", AutonomyLevel: action.LevelAutonomous, RiskLevel: action.RiskLow, Reversible: true})
	checker := bounds.NewRuleChecker(map[string][]bounds.Rule{
		"sync_contacts": {{Param: "batch_size", Required: true, Max: floatPtr(500)}},
	})

	store := proposal.NewMemoryStore()
	router, err := orchestrator.NewRouter("agent-a", registry, checker, store, store, store)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	coordinator, err := orchestrator.NewCoordinator("agent-a", store)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	reviews, err := review.NewService(store, store, store)
	if err != nil {
		t.Fatalf("new review service: %v", err)
	}
	return NewServer(":0", router, reviews, coordinator, executors), store
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)
	return rec
}

func TestRouteTaskCreatesProposal(t *testing.T) {
	server, store := newServerFixture(t, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/tasks",
		`{"action_name": "archive_records", "params": {"older_than_days": 90}, "confidence": 0.8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var decision struct {
		Kind       string `json:"kind"`
		ProposalID string `json:"proposal_id"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decision.Kind != "proposal" || decision.Status != "pending" {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	if _, err := store.Get(context.Background(), decision.ProposalID); err != nil {
		t.Fatalf("proposal not stored: %v", err)
	}
}

func TestRouteTaskExecutesAutonomously(t *testing.T) {
	server, _ := newServerFixture(t, staticExecutors{
		"sync_contacts": func(context.Context, map[string]any) (any, error) {
			return map[string]any{"synced": 10}, nil
		},
	})

	rec := doRequest(t, server, http.MethodPost, "/api/v1/tasks",
		`{"action_name": "sync_contacts", "params": {"batch_size": 50}, "confidence": 0.9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d, body %s", rec.Code, rec.Body.String())
	}

	var decision struct {
		Kind    string `json:"kind"`
		Outcome struct {
			Success bool `json:"success"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decision.Kind != "execution" || !decision.Outcome.Success {
		t.Fatalf("unexpected decision: %s", rec.Body.String())
	}
}

func TestRouteTaskUnknownAction(t *testing.T) {
	server, _ := newServerFixture(t, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/tasks", `{"action_name": "no_such_action"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestApproveThenExecute(t *testing.T) {
	server, store := newServerFixture(t, staticExecutors{
		"archive_records": func(context.Context, map[string]any) (any, error) {
			return map[string]any{"archived": 3}, nil
		},
	})
	ctx := context.Background()

	now := time.Now().Unix()
	p := &proposal.Proposal{
		ID:             "p-1",
		AgentID:        "agent-a",
		ActionName:     "archive_records",
		ProposedAction: map[string]any{"older_than_days": 90},
		Status:         proposal.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	rec := doRequest(t, server, http.MethodPost, "/api/v1/proposals/p-1/approve",
		`{"reviewer": "ops@example.com", "notes": "looks fine"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve failed: %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, http.MethodPost, "/api/v1/proposals/p-1/execute", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("execute failed: %d, body %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected result: %s", rec.Body.String())
	}

	done, err := store.Get(ctx, "p-1")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if done.Status != proposal.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}

func TestExecuteUnapprovedConflicts(t *testing.T) {
	server, store := newServerFixture(t, nil)

	now := time.Now().Unix()
	p := &proposal.Proposal{
		ID:         "p-2",
		AgentID:    "agent-a",
		ActionName: "archive_records",
		Status:     proposal.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	rec := doRequest(t, server, http.MethodPost, "/api/v1/proposals/p-2/execute", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestGetProposalNotFound(t *testing.T) {
	server, _ := newServerFixture(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/proposals/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Code != string(proposal.CodeProposalNotFound) {
		t.Fatalf("unexpected error code: %s", resp.Code)
	}
}

func TestListProposalsFiltersByStatus(t *testing.T) {
	server, store := newServerFixture(t, nil)
	ctx := context.Background()

	now := time.Now().Unix()
	for _, seed := range []struct {
		id     string
		status proposal.Status
	}{
		{"p-a", proposal.StatusPending},
		{"p-b", proposal.StatusPending},
	} {
		p := &proposal.Proposal{
			ID:         seed.id,
			AgentID:    "agent-a",
			ActionName: "archive_records",
			Status:     seed.status,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", seed.id, err)
		}
	}
	if _, err := server.reviews.Reject(ctx, "p-b", "ops", "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	rec := doRequest(t, server, http.MethodGet, "/api/v1/proposals?status=pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}
	var listed []proposal.Proposal
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "p-a" {
		t.Fatalf("unexpected listing: %+v", listed)
	}
}

func TestStats(t *testing.T) {
	server, store := newServerFixture(t, nil)
	ctx := context.Background()

	now := time.Now().Unix()
	p := &proposal.Proposal{
		ID:         "p-s",
		AgentID:    "agent-a",
		ActionName: "archive_records",
		Status:     proposal.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, server, http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats failed: %d", rec.Code)
	}
	var stats proposal.ProposalStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCoordinateWithoutWaitReturnsSnapshots(t *testing.T) {
	server, store := newServerFixture(t, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/coordinations",
		`{"title": "后台分发", "wait_for_all": false, "sub_tasks": [
			{"target_agent_id": "agent-b", "action_name": "task_a"},
			{"target_agent_id": "agent-c", "action_name": "task_b"}
		]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("coordinate failed: %d, body %s", rec.Code, rec.Body.String())
	}

	var report struct {
		ParentID  string `json:"parent_id"`
		Aggregate string `json:"aggregate"`
		SubTasks  []struct {
			Status  string `json:"status"`
			Outcome string `json:"outcome"`
		} `json:"sub_tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Aggregate != "" {
		t.Fatalf("spawn-only report must not aggregate: %q", report.Aggregate)
	}
	if len(report.SubTasks) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(report.SubTasks))
	}
	for _, st := range report.SubTasks {
		if st.Status != string(proposal.StatusPending) || st.Outcome != "" {
			t.Fatalf("child must still be pending: %+v", st)
		}
	}

	parent, err := store.Get(context.Background(), report.ParentID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.CoordinationStatus != proposal.CoordinationCoordinating {
		t.Fatalf("unexpected coordination status: %s", parent.CoordinationStatus)
	}
}

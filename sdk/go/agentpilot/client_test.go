package agentpilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitTaskReturnsDecision(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var sub TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if sub.ActionName != "archive_records" {
			t.Fatalf("unexpected action: %s", sub.ActionName)
		}
		submitted = true
		_ = json.NewEncoder(w).Encode(Decision{
			Kind:       "proposal",
			ProposalID: "prop-1",
			Status:     "pending",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	decision, err := client.SubmitTask(context.Background(), TaskSubmission{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
	})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if !submitted {
		t.Fatal("task was not submitted")
	}
	if decision.Kind != "proposal" || decision.ProposalID != "prop-1" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestApproveSendsReviewer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/proposals/prop-1/approve" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var review ReviewRequest
		if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if review.Reviewer != "ops@example.com" {
			t.Fatalf("unexpected reviewer: %s", review.Reviewer)
		}
		_ = json.NewEncoder(w).Encode(Proposal{ID: "prop-1", Status: "approved"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	p, err := client.Approve(context.Background(), "prop-1", ReviewRequest{Reviewer: "ops@example.com"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if p.Status != "approved" {
		t.Fatalf("unexpected status: %s", p.Status)
	}
}

func TestGetProposalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "PROPOSAL_NOT_FOUND", Message: "missing"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetProposal(context.Background(), "prop-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "PROPOSAL_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

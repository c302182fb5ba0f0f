package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPilot/sdk/go/agentpilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpilot.Decision{
			Kind:       "proposal",
			ProposalID: "prop-demo",
			Status:     "pending",
		})
	})
	mux.HandleFunc("POST /api/v1/proposals/prop-demo/approve", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpilot.Proposal{ID: "prop-demo", Status: "approved"})
	})
	mux.HandleFunc("POST /api/v1/proposals/prop-demo/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpilot.Result{
			Success:    true,
			Result:     map[string]any{"archived": 120},
			DurationMS: 42,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agentpilot.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	decision, err := client.SubmitTask(ctx, agentpilot.TaskSubmission{
		ActionName: "archive_records",
		Params:     map[string]any{"older_than_days": 90},
		Trigger:    "storage usage above threshold",
		Confidence: 0.85,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("routed as %s, proposal %s\n", decision.Kind, decision.ProposalID)

	approved, err := client.Approve(ctx, decision.ProposalID, agentpilot.ReviewRequest{
		Reviewer: "ops@example.com",
		Notes:    "archive window confirmed",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("proposal %s now %s\n", approved.ID, approved.Status)

	result, err := client.ExecuteApproved(ctx, approved.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed: success=%v result=%v\n", result.Success, result.Result)
}

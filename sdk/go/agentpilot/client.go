package agentpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to route a new task.
type TaskSubmission struct {
	ActionName    string         `json:"action_name"`
	Params        map[string]any `json:"params,omitempty"`
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Deadline      int64          `json:"deadline,omitempty"`
	TargetAgentID string         `json:"target_agent_id,omitempty"`
	Trigger       string         `json:"trigger,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	Explanation   string         `json:"explanation,omitempty"`
}

// Decision describes how the orchestrator routed a submitted task.
type Decision struct {
	Kind         string  `json:"kind"`
	SuggestionID string  `json:"suggestion_id,omitempty"`
	ProposalID   string  `json:"proposal_id,omitempty"`
	RecordID     string  `json:"record_id,omitempty"`
	Status       string  `json:"status,omitempty"`
	Flagged      bool    `json:"flagged,omitempty"`
	Outcome      *Result `json:"outcome,omitempty"`
}

// Result is the outcome of an execution triggered through the API.
type Result struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Proposal is the client-side view of a stored proposal.
type Proposal struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	TargetAgentID    string         `json:"target_agent_id,omitempty"`
	ParentProposalID string         `json:"parent_proposal_id,omitempty"`
	ActionName       string         `json:"action_name"`
	Title            string         `json:"title,omitempty"`
	Description      string         `json:"description,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	Status           string         `json:"status"`
	ProposedAction   map[string]any `json:"proposed_action,omitempty"`
	ModifiedAction   map[string]any `json:"modified_action,omitempty"`
	ExecutionResult  any            `json:"execution_result,omitempty"`
	ExecutionError   string         `json:"execution_error,omitempty"`
	ReviewedBy       string         `json:"reviewed_by,omitempty"`
	ReviewNotes      string         `json:"review_notes,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// ReviewRequest carries the reviewer identity for approve/reject calls.
type ReviewRequest struct {
	Reviewer       string         `json:"reviewer"`
	Notes          string         `json:"notes,omitempty"`
	ModifiedAction map[string]any `json:"modified_action,omitempty"`
}

// ExecutionRecord is the client-side view of an autonomous execution.
type ExecutionRecord struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	ActionName       string         `json:"action_name"`
	ActionParams     map[string]any `json:"action_params,omitempty"`
	Confidence       float64        `json:"confidence"`
	Result           any            `json:"result,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	WithinBounds     bool           `json:"within_bounds"`
	FlaggedForReview bool           `json:"flagged_for_review"`
	ReviewOutcome    string         `json:"review_outcome,omitempty"`
	CreatedAt        int64          `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPilot API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitTask routes a task through the orchestrator.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Decision, error) {
	var decision Decision
	if err := c.post(ctx, "/api/v1/tasks", submission, &decision); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// GetProposal fetches a proposal by identifier.
func (c *Client) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var p Proposal
	if err := c.get(ctx, "/api/v1/proposals/"+url.PathEscape(proposalID), &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// ListProposals returns proposals filtered by status.
func (c *Client) ListProposals(ctx context.Context, status string, limit int) ([]Proposal, error) {
	endpoint := "/api/v1/proposals?limit=" + strconv.Itoa(limit)
	if status != "" {
		endpoint += "&status=" + url.QueryEscape(status)
	}
	var proposals []Proposal
	if err := c.get(ctx, endpoint, &proposals); err != nil {
		return nil, err
	}
	return proposals, nil
}

// Approve approves a pending proposal.
func (c *Client) Approve(ctx context.Context, proposalID string, review ReviewRequest) (Proposal, error) {
	var p Proposal
	if err := c.post(ctx, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/approve", review, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Reject rejects a pending proposal.
func (c *Client) Reject(ctx context.Context, proposalID string, review ReviewRequest) (Proposal, error) {
	var p Proposal
	if err := c.post(ctx, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/reject", review, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// ExecuteApproved runs an approved proposal on the server.
func (c *Client) ExecuteApproved(ctx context.Context, proposalID string) (Result, error) {
	var res Result
	if err := c.post(ctx, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/execute", struct{}{}, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ListFlaggedExecutions returns autonomous executions awaiting review.
func (c *Client) ListFlaggedExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	var records []ExecutionRecord
	if err := c.get(ctx, "/api/v1/executions/flagged?limit="+strconv.Itoa(limit), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ReviewExecution records a review verdict on an autonomous execution.
func (c *Client) ReviewExecution(ctx context.Context, recordID, reviewer, outcome string) (ExecutionRecord, error) {
	payload := struct {
		Reviewer string `json:"reviewer"`
		Outcome  string `json:"outcome"`
	}{Reviewer: reviewer, Outcome: outcome}
	var rec ExecutionRecord
	if err := c.post(ctx, "/api/v1/executions/"+url.PathEscape(recordID)+"/review", payload, &rec); err != nil {
		return ExecutionRecord{}, err
	}
	return rec, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

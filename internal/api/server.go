package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"AgentPilot/internal/action"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/orchestrator"
	"AgentPilot/internal/proposal"
	"AgentPilot/internal/review"
)

// ExecutorSource 按动作名提供执行器。
type ExecutorSource interface {
	Executor(actionName string) (orchestrator.TaskFunc, bool)
}

// Server 暴露 REST 接口，供外部驱动任务路由与审批。
type Server struct {
	addr        string
	router      *orchestrator.Router
	reviews     *review.Service
	coordinator *orchestrator.Coordinator
	executors   ExecutorSource
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, router *orchestrator.Router, reviews *review.Service, coordinator *orchestrator.Coordinator, executors ExecutorSource) *Server {
	return &Server{
		addr:        addr,
		router:      router,
		reviews:     reviews,
		coordinator: coordinator,
		executors:   executors,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.handleRouteTask)
	mux.HandleFunc("GET /api/v1/proposals", s.handleListProposals)
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/proposals/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/v1/proposals/{id}/execute", s.handleExecuteApproved)
	mux.HandleFunc("GET /api/v1/proposals/{id}/children", s.handleListChildren)
	mux.HandleFunc("POST /api/v1/coordinations", s.handleCoordinate)
	mux.HandleFunc("GET /api/v1/coordinations/{id}", s.handleCoordinationStatus)
	mux.HandleFunc("GET /api/v1/coordinations/{id}/results", s.handleCoordinationResults)
	mux.HandleFunc("GET /api/v1/executions/flagged", s.handleListFlagged)
	mux.HandleFunc("POST /api/v1/executions/{id}/review", s.handleReviewExecution)
	mux.HandleFunc("GET /api/v1/suggestions", s.handleListSuggestions)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := s.routes()

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type taskRequest struct {
	ActionName    string            `json:"action_name"`
	Params        map[string]any    `json:"params"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Priority      proposal.Priority `json:"priority"`
	Deadline      int64             `json:"deadline"`
	TargetAgentID string            `json:"target_agent_id"`
	Trigger       string            `json:"trigger"`
	Confidence    float64           `json:"confidence"`
	Explanation   string            `json:"explanation"`
}

func (req taskRequest) toTask() orchestrator.Task {
	return orchestrator.Task{
		ActionName:    req.ActionName,
		Params:        req.Params,
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		Deadline:      req.Deadline,
		TargetAgentID: req.TargetAgentID,
		Trigger:       req.Trigger,
		Confidence:    req.Confidence,
		Explanation:   req.Explanation,
	}
}

func (s *Server) handleRouteTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	task := req.toTask()
	if s.executors != nil {
		if fn, ok := s.executors.Executor(req.ActionName); ok {
			task.Execute = fn
		}
	}
	decision, err := s.router.Execute(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	opts := []proposal.ListOption{
		proposal.WithLimit(queryInt(r, "limit", 20)),
		proposal.WithOffset(queryInt(r, "offset", 0)),
	}
	if agent := r.URL.Query().Get("agent_id"); agent != "" {
		opts = append(opts, proposal.WithAgent(agent))
	}
	if target := r.URL.Query().Get("target_agent_id"); target != "" {
		opts = append(opts, proposal.WithTargetAgent(target))
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts = append(opts, proposal.WithStatuses(proposal.Status(status)))
	}
	proposals, err := s.reviews.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.reviews.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type reviewRequest struct {
	Reviewer       string         `json:"reviewer"`
	Notes          string         `json:"notes"`
	ModifiedAction map[string]any `json:"modified_action"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	p, err := s.reviews.Approve(r.Context(), r.PathValue("id"), req.Reviewer, req.Notes, req.ModifiedAction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	p, err := s.reviews.Reject(r.Context(), r.PathValue("id"), req.Reviewer, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecuteApproved(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.reviews.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var fn orchestrator.TaskFunc
	if s.executors != nil {
		fn, _ = s.executors.Executor(p.ActionName)
	}
	outcome, err := s.router.ExecuteApproved(r.Context(), id, fn)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"success":     outcome.Success,
		"result":      outcome.Result,
		"duration_ms": outcome.Duration.Milliseconds(),
	}
	if outcome.Err != nil {
		resp["error"] = outcome.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	results, err := s.coordinator.SubTaskResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type coordinateRequest struct {
	Title      string              `json:"title"`
	SubTasks   []coordinateSubTask `json:"sub_tasks"`
	WaitForAll bool                `json:"wait_for_all"`
	TimeoutMS  int64               `json:"timeout_ms"`
}

type coordinateSubTask struct {
	TargetAgentID string         `json:"target_agent_id"`
	ActionName    string         `json:"action_name"`
	Params        map[string]any `json:"params"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Explanation   string         `json:"explanation"`
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	var req coordinateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	subtasks := make([]orchestrator.SubTask, 0, len(req.SubTasks))
	for _, st := range req.SubTasks {
		subtasks = append(subtasks, orchestrator.SubTask{
			TargetAgentID: st.TargetAgentID,
			ActionName:    st.ActionName,
			Params:        st.Params,
			Title:         st.Title,
			Description:   st.Description,
			Explanation:   st.Explanation,
		})
	}
	report, err := s.coordinator.CoordinateAgents(r.Context(), req.Title, subtasks, orchestrator.CoordinateOptions{
		WaitForAll: req.WaitForAll,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCoordinationStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.coordinator.CheckCoordinationStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCoordinationResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.coordinator.SubTaskResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleListFlagged(w http.ResponseWriter, r *http.Request) {
	records, err := s.reviews.ListFlaggedExecutions(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type executionReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Outcome  string `json:"outcome"`
}

func (s *Server) handleReviewExecution(w http.ResponseWriter, r *http.Request) {
	var req executionReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	rec, err := s.reviews.ReviewExecution(r.Context(), r.PathValue("id"), req.Reviewer, proposal.ReviewOutcome(req.Outcome))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.reviews.ListSuggestions(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reviews.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, action.CodeUnknownAction, proposal.CodeProposalValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, proposal.CodeProposalNotFound, proposal.CodeRecordNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, proposal.CodeProposalConflict, proposal.CodeNotApproved:
		status = http.StatusConflict
	case proposal.CodeRequiresApproval, proposal.CodeMissingExecutor:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

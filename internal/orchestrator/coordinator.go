package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/proposal"
	"AgentPilot/pkg/logger"
)

// coordinateActionName 是父协调提案使用的动作名。
const coordinateActionName = "coordinate_agents"

// Publisher 把子任务提案投递给目标智能体。
type Publisher interface {
	Publish(ctx context.Context, proposalID string) error
}

// SubTask 描述一次委派给其他智能体的子任务。
type SubTask struct {
	TargetAgentID string
	ActionName    string
	Params        map[string]any
	Title         string
	Description   string
	Priority      proposal.Priority
	Deadline      int64
	Trigger       string
	Explanation   string
}

// WaitOutcome 表示一次子任务等待的结束方式。
type WaitOutcome string

const (
	WaitCompleted WaitOutcome = "completed"
	WaitFailed    WaitOutcome = "failed"
	WaitRejected  WaitOutcome = "rejected"
	WaitExpired   WaitOutcome = "expired"
	// WaitTimeout 表示等待超时，子任务可能仍在执行。
	WaitTimeout  WaitOutcome = "timeout"
	WaitNotFound WaitOutcome = "not_found"
)

// SubTaskResult 是子任务某一时刻的快照。Outcome 只在子任务到达终
// 态后填充，非终态的子任务以 Status 表达进度。
type SubTaskResult struct {
	ProposalID    string          `json:"proposal_id"`
	TargetAgentID string          `json:"target_agent_id"`
	ActionName    string          `json:"action_name"`
	Outcome       WaitOutcome     `json:"outcome,omitempty"`
	Status        proposal.Status `json:"status"`
	Result        any             `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CompletedAt   int64           `json:"completed_at,omitempty"`
}

// subTaskView 把提案映射为结果快照。
func subTaskView(p *proposal.Proposal) *SubTaskResult {
	res := &SubTaskResult{
		ProposalID:    p.ID,
		TargetAgentID: p.TargetAgentID,
		ActionName:    p.ActionName,
		Status:        p.Status,
		Result:        p.ExecutionResult,
		ErrorMessage:  p.ExecutionError,
		CompletedAt:   p.ExecutionCompletedAt,
	}
	switch p.Status {
	case proposal.StatusCompleted:
		res.Outcome = WaitCompleted
	case proposal.StatusFailed:
		res.Outcome = WaitFailed
	case proposal.StatusRejected:
		res.Outcome = WaitRejected
	case proposal.StatusExpired:
		res.Outcome = WaitExpired
	}
	return res
}

// 多子任务协调的聚合结论。
const (
	AggregateCompleted      = "completed"
	AggregatePartialFailure = "partial_failure"
	AggregatePartialTimeout = "partial_timeout"
	AggregateMixed          = "mixed"
)

// CoordinationReport 汇总一次多智能体协调。不等待的协调没有聚合结论。
type CoordinationReport struct {
	ParentID  string           `json:"parent_id"`
	Aggregate string           `json:"aggregate,omitempty"`
	SubTasks  []*SubTaskResult `json:"sub_tasks"`
}

// CoordinationSummary 是协调进度的只读快照。
type CoordinationSummary struct {
	ParentID    string `json:"parent_id"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Pending     int    `json:"pending"`
	Failed      int    `json:"failed"`
	AllComplete bool   `json:"all_complete"`
	AnyFailed   bool   `json:"any_failed"`
}

// Coordinator 负责派生子任务并跟踪其完成情况。
type Coordinator struct {
	agentID      string
	store        proposal.Store
	publisher    Publisher
	pollInterval time.Duration
	waitTimeout  time.Duration
	log          *slog.Logger
}

// CoordinatorOption 配置 Coordinator。
type CoordinatorOption func(*Coordinator)

// WithPublisher 指定子任务的投递通道，缺省时子任务只落库。
func WithPublisher(p Publisher) CoordinatorOption {
	return func(c *Coordinator) { c.publisher = p }
}

// WithPollInterval 指定轮询子任务状态的间隔。
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithWaitTimeout 指定等待子任务的默认超时。
func WithWaitTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// NewCoordinator 创建协调器。
func NewCoordinator(agentID string, store proposal.Store, opts ...CoordinatorOption) (*Coordinator, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentID 不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store 不能为空")
	}
	c := &Coordinator{
		agentID:      agentID,
		store:        store,
		pollInterval: 500 * time.Millisecond,
		waitTimeout:  30 * time.Second,
		log:          logger.Named("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SpawnSubTask 为目标智能体创建一个待审批子任务提案。父提案的子
// 列表只是缓存，追加失败不会影响子任务本身。
func (c *Coordinator) SpawnSubTask(ctx context.Context, parentID string, st SubTask) (*proposal.Proposal, error) {
	if strings.TrimSpace(st.TargetAgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "子任务必须指定目标智能体")
	}
	if strings.TrimSpace(st.ActionName) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "子任务必须指定动作名")
	}
	if st.Priority == "" {
		st.Priority = proposal.PriorityNormal
	}

	now := time.Now().Unix()
	child := &proposal.Proposal{
		ID:               uuid.NewString(),
		AgentID:          c.agentID,
		TargetAgentID:    st.TargetAgentID,
		ParentProposalID: parentID,
		ActionName:       st.ActionName,
		Title:            st.Title,
		Description:      st.Description,
		Priority:         st.Priority,
		Deadline:         st.Deadline,
		Reasoning: proposal.Reasoning{
			Trigger:     st.Trigger,
			Explanation: st.Explanation,
		},
		ProposedAction:     st.Params,
		Status:             proposal.StatusPending,
		CoordinationStatus: proposal.CoordinationWaiting,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.store.Create(ctx, child); err != nil {
		return nil, err
	}

	if parentID != "" {
		if err := c.store.AppendChild(ctx, parentID, child.ID); err != nil {
			c.log.WarnContext(ctx, "failed to cache child on parent",
				slog.String("parent_id", parentID),
				slog.String("child_id", child.ID),
				slog.Any("error", err))
		}
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, child.ID); err != nil {
			return child, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递子任务失败",
				xerrors.WithMetadata("proposal_id", child.ID))
		}
	}

	c.log.InfoContext(ctx, "sub-task spawned",
		slog.String("child_id", child.ID),
		slog.String("parent_id", parentID),
		slog.String("target_agent", st.TargetAgentID),
		slog.String("action", st.ActionName))
	return child, nil
}

// WaitForSubTask 轮询子任务直到其进入终态或超时。超时不会改变子
// 任务的状态，只是停止等待。
func (c *Coordinator) WaitForSubTask(ctx context.Context, childID string, timeout time.Duration) (*SubTaskResult, error) {
	if timeout <= 0 {
		timeout = c.waitTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		res, done, err := c.pollSubTask(ctx, childID)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
		if !time.Now().Before(deadline) {
			res.Outcome = WaitTimeout
			return res, nil
		}

		select {
		case <-ctx.Done():
			res.Outcome = WaitTimeout
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) pollSubTask(ctx context.Context, childID string) (*SubTaskResult, bool, error) {
	p, err := c.store.Get(ctx, childID)
	if err != nil {
		if errors.Is(err, proposal.ErrProposalNotFound) {
			return &SubTaskResult{ProposalID: childID, Outcome: WaitNotFound}, true, nil
		}
		return nil, false, err
	}
	res := subTaskView(p)
	return res, res.Outcome != "", nil
}

// CoordinateOptions 控制一次多智能体协调的等待行为。
type CoordinateOptions struct {
	// WaitForAll 为 true 时并发等待所有子任务到达终态，所有等待共
	// 享同一个超时窗口; 为 false 时派生后立即返回，进度改由
	// CheckCoordinationStatus 轮询。
	WaitForAll bool
	// Timeout 限定共享等待窗口，非正值回退到协调器默认值。
	Timeout time.Duration
}

// CoordinateAgents 并行派生多个子任务; 按选项等待它们完成并返回聚
// 合报告。只要仍有子任务未到终态，父提案就保持 coordinating。
func (c *Coordinator) CoordinateAgents(ctx context.Context, title string, subtasks []SubTask, opts CoordinateOptions) (*CoordinationReport, error) {
	if len(subtasks) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "协调至少需要一个子任务")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.waitTimeout
	}

	now := time.Now().Unix()
	parent := &proposal.Proposal{
		ID:                 uuid.NewString(),
		AgentID:            c.agentID,
		ActionName:         coordinateActionName,
		Title:              title,
		Priority:           proposal.PriorityNormal,
		Status:             proposal.StatusExecuting,
		CoordinationStatus: proposal.CoordinationCoordinating,
		ExecutionStartedAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.store.Create(ctx, parent); err != nil {
		return nil, err
	}

	children := make([]*proposal.Proposal, len(subtasks))
	spawnErrs := make([]error, len(subtasks))

	var wg sync.WaitGroup
	for i, st := range subtasks {
		wg.Add(1)
		go func(i int, st SubTask) {
			defer wg.Done()
			children[i], spawnErrs[i] = c.SpawnSubTask(ctx, parent.ID, st)
		}(i, st)
	}
	wg.Wait()

	results := make([]*SubTaskResult, len(subtasks))
	for i := range subtasks {
		if spawnErrs[i] != nil && children[i] == nil {
			results[i] = &SubTaskResult{
				TargetAgentID: subtasks[i].TargetAgentID,
				ActionName:    subtasks[i].ActionName,
				Outcome:       WaitFailed,
				ErrorMessage:  spawnErrs[i].Error(),
			}
		}
	}

	if !opts.WaitForAll {
		// 不等待: 返回派生快照，聚合留待后续轮询得出。
		for i := range subtasks {
			if results[i] == nil {
				results[i] = subTaskView(children[i])
			}
		}
		report := &CoordinationReport{ParentID: parent.ID, SubTasks: results}
		c.log.InfoContext(ctx, "coordination spawned without wait",
			slog.String("parent_id", parent.ID),
			slog.Int("sub_tasks", len(results)))
		return report, nil
	}

	wg = sync.WaitGroup{}
	for i := range subtasks {
		if results[i] != nil {
			continue
		}
		wg.Add(1)
		// 所有等待并发启动，共享同一个超时窗口。
		go func(i int) {
			defer wg.Done()
			res, err := c.WaitForSubTask(ctx, children[i].ID, timeout)
			if err != nil && res == nil {
				res = &SubTaskResult{
					ProposalID:   children[i].ID,
					Outcome:      WaitFailed,
					ErrorMessage: err.Error(),
				}
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	report := &CoordinationReport{
		ParentID:  parent.ID,
		Aggregate: aggregateOutcomes(results),
		SubTasks:  results,
	}

	if allTerminal(results) {
		if err := c.store.SetCoordinationStatus(ctx, parent.ID, proposal.CoordinationComplete); err != nil {
			c.log.WarnContext(ctx, "failed to mark coordination complete",
				slog.String("parent_id", parent.ID),
				slog.Any("error", err))
		}
		if err := c.store.MarkCompleted(ctx, parent.ID, report); err != nil {
			c.log.WarnContext(ctx, "failed to finalize coordination parent",
				slog.String("parent_id", parent.ID),
				slog.Any("error", err))
		}
	}

	c.log.InfoContext(ctx, "coordination finished",
		slog.String("parent_id", parent.ID),
		slog.String("aggregate", report.Aggregate),
		slog.Int("sub_tasks", len(results)))
	logger.Audit().InfoContext(ctx, "coordination finished",
		slog.String("parent_id", parent.ID),
		slog.String("aggregate", report.Aggregate))
	return report, nil
}

// aggregateOutcomes 按优先级归并: 全部完成、出现超时、仅有失败，
// 其余组合 (含 rejected/expired/not_found) 记为 mixed。
func aggregateOutcomes(results []*SubTaskResult) string {
	var timedOut, failed, other int
	for _, res := range results {
		switch res.Outcome {
		case WaitCompleted:
		case WaitTimeout:
			timedOut++
		case WaitFailed:
			failed++
		default:
			other++
		}
	}
	switch {
	case timedOut == 0 && failed == 0 && other == 0:
		return AggregateCompleted
	case timedOut > 0:
		return AggregatePartialTimeout
	case failed > 0 && other == 0:
		return AggregatePartialFailure
	default:
		return AggregateMixed
	}
}

func allTerminal(results []*SubTaskResult) bool {
	for _, res := range results {
		if res.Outcome == WaitTimeout {
			return false
		}
	}
	return true
}

// CheckCoordinationStatus 读取协调进度，不修改任何状态。子列表以
// parent_proposal_id 扫描为准，不依赖父提案上的缓存。
func (c *Coordinator) CheckCoordinationStatus(ctx context.Context, parentID string) (*CoordinationSummary, error) {
	if _, err := c.store.Get(ctx, parentID); err != nil {
		return nil, err
	}
	children, err := c.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}

	summary := &CoordinationSummary{ParentID: parentID, Total: len(children)}
	for _, child := range children {
		switch child.Status {
		case proposal.StatusCompleted:
			summary.Completed++
		case proposal.StatusFailed, proposal.StatusRejected, proposal.StatusExpired:
			summary.Failed++
		default:
			summary.Pending++
		}
	}
	summary.AllComplete = summary.Total > 0 && summary.Pending == 0
	summary.AnyFailed = summary.Failed > 0
	return summary, nil
}

// SubTaskResults 返回每个子任务的持久化结果快照，等待超时或进程
// 重启后父方以此追认子任务的真实结局。失败的子任务携带错误信息，
// 未到终态的子任务以当前状态出现。
func (c *Coordinator) SubTaskResults(ctx context.Context, parentID string) ([]*SubTaskResult, error) {
	children, err := c.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	results := make([]*SubTaskResult, 0, len(children))
	for _, child := range children {
		results = append(results, subTaskView(child))
	}
	return results, nil
}

package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentPilot/internal/action"
	"AgentPilot/internal/bounds"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/proposal"
	"AgentPilot/pkg/logger"
)

// TaskFunc 是动作的实际执行体。
type TaskFunc func(ctx context.Context, params map[string]any) (any, error)

// Task 描述智能体想要执行的一次动作。
type Task struct {
	ActionName       string
	Params           map[string]any
	Title            string
	Description      string
	Priority         proposal.Priority
	Deadline         int64
	TargetAgentID    string
	ParentProposalID string

	// Trigger、Confidence 与 Explanation 构成动作的决策依据。
	Trigger     string
	Confidence  float64
	Explanation string

	// Execute 在自治路径下直接运行，其余路径忽略。
	Execute TaskFunc
}

// DecisionKind 表示路由结果的类别。
type DecisionKind string

const (
	// DecisionSuggested 动作仅被记录为建议，等待人工发起。
	DecisionSuggested DecisionKind = "suggestion"
	// DecisionProposed 动作已生成提案，等待审批。
	DecisionProposed DecisionKind = "proposal"
	// DecisionExecuted 动作已自治执行完毕。
	DecisionExecuted DecisionKind = "execution"
)

// Decision 是一次路由的结果。
type Decision struct {
	Kind         DecisionKind      `json:"kind"`
	SuggestionID string            `json:"suggestion_id,omitempty"`
	ProposalID   string            `json:"proposal_id,omitempty"`
	RecordID     string            `json:"record_id,omitempty"`
	Status       proposal.Status   `json:"status,omitempty"`
	Outcome      *ExecutionOutcome `json:"outcome,omitempty"`
	Flagged      bool              `json:"flagged,omitempty"`
}

// Router 根据动作的自治级别与边界检查结果决定执行路径。
type Router struct {
	agentID     string
	registry    action.Registry
	checker     bounds.Checker
	store       proposal.Store
	records     proposal.RecordStore
	suggestions proposal.SuggestionStore
	alerter     alerting.Dispatcher
	log         *slog.Logger
}

// RouterOption 配置 Router 的可选依赖。
type RouterOption func(*Router)

// WithRouterAlerts 注入告警分发器，路由器在越界降级、自治执行失败
// 或被标记复查时发出事件。
func WithRouterAlerts(dispatcher alerting.Dispatcher) RouterOption {
	return func(r *Router) {
		r.alerter = dispatcher
	}
}

// NewRouter 创建路由器。registry、checker 与 store 为必填项。
func NewRouter(
	agentID string,
	registry action.Registry,
	checker bounds.Checker,
	store proposal.Store,
	records proposal.RecordStore,
	suggestions proposal.SuggestionStore,
	opts ...RouterOption,
) (*Router, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentID 不能为空")
	}
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "registry 不能为空")
	}
	if checker == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "checker 不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store 不能为空")
	}
	if records == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "records 不能为空")
	}
	if suggestions == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "suggestions 不能为空")
	}
	r := &Router{
		agentID:     agentID,
		registry:    registry,
		checker:     checker,
		store:       store,
		records:     records,
		suggestions: suggestions,
		log:         logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AgentID 返回路由器代表的智能体。
func (r *Router) AgentID() string {
	return r.agentID
}

// Execute 对一次动作请求完成完整路由:
// 边界越界的动作无条件降级为提案，即便动作本身是自治级别;
// 其余按自治级别分发到建议、提案或自治执行。
func (r *Router) Execute(ctx context.Context, task Task) (*Decision, error) {
	def, check, err := r.evaluate(ctx, &task)
	if err != nil {
		return nil, err
	}

	if !check.WithinBounds {
		r.log.WarnContext(ctx, "action outside bounds, forcing proposal",
			slog.String("action", task.ActionName),
			slog.Int("autonomy_level", int(def.AutonomyLevel)),
			slog.Int("violations", len(check.Violations)))
		p, err := r.createProposal(ctx, task, def, check)
		if err != nil {
			return nil, err
		}
		r.emitAlert(ctx, alerting.Event{
			Code:       proposal.CodeRequiresApproval,
			Message:    "动作越界，已降级为待审批提案",
			Severity:   xerrors.SeverityWarning,
			ProposalID: p.ID,
			ActionName: p.ActionName,
			Stage:      "bounds",
		})
		return &Decision{Kind: DecisionProposed, ProposalID: p.ID, Status: p.Status}, nil
	}

	switch def.AutonomyLevel {
	case action.LevelSuggest:
		sg, err := r.createSuggestion(ctx, task)
		if err != nil {
			return nil, err
		}
		return &Decision{Kind: DecisionSuggested, SuggestionID: sg.ID}, nil
	case action.LevelPropose:
		p, err := r.createProposal(ctx, task, def, check)
		if err != nil {
			return nil, err
		}
		return &Decision{Kind: DecisionProposed, ProposalID: p.ID, Status: p.Status}, nil
	case action.LevelAutonomous:
		rec, outcome, err := r.executeAutonomous(ctx, task, check)
		if err != nil {
			return nil, err
		}
		return &Decision{
			Kind:     DecisionExecuted,
			RecordID: rec.ID,
			Outcome:  outcome,
			Flagged:  rec.FlaggedForReview,
		}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的自治级别",
			xerrors.WithMetadata("action", task.ActionName))
	}
}

// Propose 显式为动作创建待审批提案，不受自治级别影响。
func (r *Router) Propose(ctx context.Context, task Task) (*proposal.Proposal, error) {
	def, check, err := r.evaluate(ctx, &task)
	if err != nil {
		return nil, err
	}
	return r.createProposal(ctx, task, def, check)
}

// Suggest 显式将动作记录为建议。
func (r *Router) Suggest(ctx context.Context, task Task) (*proposal.Suggestion, error) {
	if _, _, err := r.evaluate(ctx, &task); err != nil {
		return nil, err
	}
	return r.createSuggestion(ctx, task)
}

// CheckApproval 查询提案当前状态。
func (r *Router) CheckApproval(ctx context.Context, proposalID string) (*proposal.Proposal, error) {
	return r.store.Get(ctx, proposalID)
}

func (r *Router) evaluate(ctx context.Context, task *Task) (*action.Definition, *bounds.Result, error) {
	if strings.TrimSpace(task.ActionName) == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "动作名不能为空")
	}
	def, err := r.registry.Lookup(ctx, task.ActionName)
	if err != nil {
		return nil, nil, err
	}
	check, err := r.checker.Check(ctx, task.ActionName, task.Params)
	if err != nil {
		return nil, nil, err
	}
	if task.Title == "" {
		task.Title = def.Description
	}
	if task.Priority == "" {
		task.Priority = proposal.PriorityNormal
	}
	return def, &check, nil
}

func (r *Router) createProposal(ctx context.Context, task Task, def *action.Definition, check *bounds.Result) (*proposal.Proposal, error) {
	now := time.Now().Unix()
	p := &proposal.Proposal{
		ID:               uuid.NewString(),
		AgentID:          r.agentID,
		TargetAgentID:    task.TargetAgentID,
		ParentProposalID: task.ParentProposalID,
		ActionName:       task.ActionName,
		Title:            task.Title,
		Description:      task.Description,
		Priority:         task.Priority,
		Deadline:         task.Deadline,
		Reasoning: proposal.Reasoning{
			Trigger:     task.Trigger,
			Confidence:  task.Confidence,
			Explanation: task.Explanation,
			BoundsCheck: check,
			ImpactAssessment: &proposal.ImpactAssessment{
				AutonomyLevel: int(def.AutonomyLevel),
				RiskLevel:     string(def.RiskLevel),
				Reversible:    def.Reversible,
				WithinBounds:  check.WithinBounds,
			},
		},
		ProposedAction: task.Params,
		Status:         proposal.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Create(ctx, p); err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "proposal created",
		slog.String("proposal_id", p.ID),
		slog.String("action", p.ActionName),
		slog.String("agent_id", p.AgentID))
	logger.Audit().InfoContext(ctx, "proposal created",
		slog.String("proposal_id", p.ID),
		slog.String("action", p.ActionName),
		slog.Bool("within_bounds", check.WithinBounds))
	return p, nil
}

func (r *Router) createSuggestion(ctx context.Context, task Task) (*proposal.Suggestion, error) {
	sg := &proposal.Suggestion{
		ID:          uuid.NewString(),
		AgentID:     r.agentID,
		ActionName:  task.ActionName,
		Params:      task.Params,
		Title:       task.Title,
		Description: task.Description,
		Explanation: task.Explanation,
		Confidence:  task.Confidence,
		CreatedAt:   time.Now().Unix(),
	}
	if err := r.suggestions.CreateSuggestion(ctx, sg); err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "suggestion recorded",
		slog.String("suggestion_id", sg.ID),
		slog.String("action", sg.ActionName))
	return sg, nil
}

func (r *Router) emitAlert(ctx context.Context, event alerting.Event) {
	if r.alerter == nil {
		return
	}
	event.AgentID = r.agentID
	event.OccurredAt = time.Now()
	if err := r.alerter.Notify(ctx, event); err != nil {
		r.log.ErrorContext(ctx, "告警通知失败",
			slog.Any("error", err),
			slog.String("stage", event.Stage))
	}
}

package proposal

import (
	"AgentPilot/internal/bounds"
	xerrors "AgentPilot/internal/errors"
)

// Status 表示提案在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// IsTerminal 判断状态是否为终态，终态之后不允许任何迁移。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的提案状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuting,
		StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition 校验状态迁移是否合法。状态机只会前进：
// pending → approved|rejected|expired，approved → executing，
// executing → completed|failed。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected || to == StatusExpired
	case StatusApproved:
		return to == StatusExecuting
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// CoordinationStatus 表示带有子任务的提案的协调状态。
type CoordinationStatus string

const (
	CoordinationNone         CoordinationStatus = "none"
	CoordinationWaiting      CoordinationStatus = "waiting"
	CoordinationCoordinating CoordinationStatus = "coordinating"
	CoordinationComplete     CoordinationStatus = "complete"
)

// Priority 表示提案的优先级。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ImpactAssessment 汇总一次路由决策时动作的风险画像。
type ImpactAssessment struct {
	AutonomyLevel int    `json:"autonomy_level"`
	RiskLevel     string `json:"risk_level"`
	Reversible    bool   `json:"reversible"`
	WithinBounds  bool   `json:"within_bounds"`
}

// Reasoning 记录提案产生的依据，包括触发源与边界检查结论。
type Reasoning struct {
	Trigger          string            `json:"trigger,omitempty"`
	Confidence       float64           `json:"confidence"`
	Explanation      string            `json:"explanation,omitempty"`
	BoundsCheck      *bounds.Result    `json:"bounds_check,omitempty"`
	ImpactAssessment *ImpactAssessment `json:"impact_assessment,omitempty"`
}

// Proposal 描述一个等待批准或已进入执行的工作单元。
type Proposal struct {
	ID               string   `json:"id"`
	AgentID          string   `json:"agent_id"`
	TargetAgentID    string   `json:"target_agent_id,omitempty"`
	ParentProposalID string   `json:"parent_proposal_id,omitempty"`
	ChildProposalIDs []string `json:"child_proposal_ids,omitempty"`

	ActionName  string   `json:"action_name"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	Deadline    int64    `json:"deadline,omitempty"`

	Reasoning      Reasoning      `json:"reasoning"`
	ProposedAction map[string]any `json:"proposed_action,omitempty"`
	// ModifiedAction 由人工审阅者修改后的参数，执行时优先于 ProposedAction，
	// 原始参数保留用于审计。
	ModifiedAction map[string]any `json:"modified_action,omitempty"`

	Status             Status             `json:"status"`
	CoordinationStatus CoordinationStatus `json:"coordination_status"`

	ExecutionResult      any    `json:"execution_result,omitempty"`
	ExecutionError       string `json:"execution_error,omitempty"`
	ExecutionStartedAt   int64  `json:"execution_started_at,omitempty"`
	ExecutionCompletedAt int64  `json:"execution_completed_at,omitempty"`

	ReviewedBy  string `json:"reviewed_by,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// EffectiveParams 返回执行时应使用的参数。
func (p *Proposal) EffectiveParams() map[string]any {
	if p == nil {
		return nil
	}
	if p.ModifiedAction != nil {
		return p.ModifiedAction
	}
	return p.ProposedAction
}

// ReviewOutcome 是人工对一次自治执行的正确性判定。
type ReviewOutcome string

const (
	ReviewCorrect   ReviewOutcome = "correct"
	ReviewIncorrect ReviewOutcome = "incorrect"
	ReviewUncertain ReviewOutcome = "uncertain"
)

// IsValidReviewOutcome 检查判定取值是否合法。
func IsValidReviewOutcome(outcome ReviewOutcome) bool {
	switch outcome {
	case ReviewCorrect, ReviewIncorrect, ReviewUncertain:
		return true
	default:
		return false
	}
}

// ExecutionRecord 记录一次 Level-3 自治执行，只追加、可批注、不可删除。
type ExecutionRecord struct {
	ID             string             `json:"id"`
	AgentID        string             `json:"agent_id"`
	ActionName     string             `json:"action_name"`
	ActionParams   map[string]any     `json:"action_params,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
	Confidence     float64            `json:"confidence"`
	Result         any                `json:"result,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	DurationMS     int64              `json:"duration_ms"`
	WithinBounds   bool               `json:"within_bounds"`
	BoundsViolated []bounds.Violation `json:"bounds_violated,omitempty"`

	FlaggedForReview bool          `json:"flagged_for_review"`
	ReviewOutcome    ReviewOutcome `json:"review_outcome,omitempty"`
	ReviewedBy       string        `json:"reviewed_by,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// Suggestion 是 Level-1 动作留下的轻量建议，没有自己的状态机。
type Suggestion struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	ActionName  string         `json:"action_name"`
	Params      map[string]any `json:"params,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Confidence  float64        `json:"confidence"`
	CreatedAt   int64          `json:"created_at"`
}

var (
	// ErrProposalNotFound 表示指定的提案不存在。
	ErrProposalNotFound = xerrors.New(CodeProposalNotFound, "proposal not found")
	// ErrProposalConflict 表示提案在当前状态下无法进行所请求的迁移。
	ErrProposalConflict = xerrors.New(CodeProposalConflict, "proposal conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotApproved 表示提案尚未获得批准，不能进入执行。
	ErrNotApproved = xerrors.New(CodeNotApproved, "proposal not approved")
	// ErrRequiresApproval 表示动作的自治级别不足以直接执行。
	ErrRequiresApproval = xerrors.New(CodeRequiresApproval, "action requires approval")
	// ErrMissingExecutor 表示 Level-3 任务缺少执行回调。
	ErrMissingExecutor = xerrors.New(CodeMissingExecutor, "executor callable is required")
	// ErrRecordNotFound 表示自治执行记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "execution record not found")
)

const (
	CodeProposalNotFound   xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeProposalConflict   xerrors.Code = "PROPOSAL_CONFLICT"
	CodeNotApproved        xerrors.Code = "PROPOSAL_NOT_APPROVED"
	CodeRequiresApproval   xerrors.Code = "ACTION_REQUIRES_APPROVAL"
	CodeMissingExecutor    xerrors.Code = "MISSING_EXECUTOR"
	CodeRecordNotFound     xerrors.Code = "EXECUTION_RECORD_NOT_FOUND"
	CodeProposalValidation xerrors.Code = "PROPOSAL_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeProposalNotFound, xerrors.Attributes{
		Message:   "proposal not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalConflict, xerrors.Attributes{
		Message:   "proposal conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotApproved, xerrors.Attributes{
		Message:   "proposal not approved",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequiresApproval, xerrors.Attributes{
		Message:   "action requires approval",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMissingExecutor, xerrors.Attributes{
		Message:   "executor callable is required",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "execution record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalValidation, xerrors.Attributes{
		Message:   "proposal validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsProposalError 判断错误是否为指定错误码的统一提案错误。
func IsProposalError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	e, ok := xerrors.From(err)
	if !ok {
		return false
	}
	return e.Code() == target
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func cloneProposal(p *Proposal) *Proposal {
	clone := *p
	clone.ChildProposalIDs = cloneStrings(p.ChildProposalIDs)
	clone.ProposedAction = cloneParams(p.ProposedAction)
	clone.ModifiedAction = cloneParams(p.ModifiedAction)
	if p.Reasoning.BoundsCheck != nil {
		check := *p.Reasoning.BoundsCheck
		check.Violations = append([]bounds.Violation(nil), p.Reasoning.BoundsCheck.Violations...)
		clone.Reasoning.BoundsCheck = &check
	}
	if p.Reasoning.ImpactAssessment != nil {
		impact := *p.Reasoning.ImpactAssessment
		clone.Reasoning.ImpactAssessment = &impact
	}
	return &clone
}

func cloneRecord(rec *ExecutionRecord) *ExecutionRecord {
	clone := *rec
	clone.ActionParams = cloneParams(rec.ActionParams)
	clone.BoundsViolated = append([]bounds.Violation(nil), rec.BoundsViolated...)
	return &clone
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentPilot/internal/action"
	"AgentPilot/internal/bounds"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/proposal"
	"AgentPilot/pkg/logger"
)

// CodeExecutionFlagged 表示自治执行被标记等待人工复查。
const CodeExecutionFlagged xerrors.Code = "EXECUTION_FLAGGED"

func init() {
	xerrors.Register(CodeExecutionFlagged, xerrors.Attributes{
		Message:  "自治执行已标记复查",
		Alert:    true,
		Severity: xerrors.SeverityWarning,
	})
}

// ExecutionOutcome 汇总一次执行的结果。
type ExecutionOutcome struct {
	Success  bool
	Result   any
	Err      error
	Duration time.Duration
}

// MarshalJSON 以 API 响应的扁平格式输出，错误序列化为消息文本。
func (o *ExecutionOutcome) MarshalJSON() ([]byte, error) {
	payload := struct {
		Success    bool   `json:"success"`
		Result     any    `json:"result,omitempty"`
		Error      string `json:"error,omitempty"`
		DurationMS int64  `json:"duration_ms,omitempty"`
	}{
		Success:    o.Success,
		Result:     o.Result,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		payload.Error = o.Err.Error()
	}
	return json.Marshal(payload)
}

// ExecuteApproved 执行一个已批准的提案。提案不处于 approved 状态时
// 返回 PROPOSAL_NOT_APPROVED 且不产生任何副作用。执行结果无论成败
// 都会连同耗时写回提案。
func (r *Router) ExecuteApproved(ctx context.Context, proposalID string, fn TaskFunc) (*ExecutionOutcome, error) {
	if fn == nil {
		return nil, xerrors.Wrap(proposal.CodeMissingExecutor, proposal.ErrMissingExecutor,
			"提案缺少执行体", xerrors.WithMetadata("proposal_id", proposalID))
	}

	p, err := r.store.BeginExecution(ctx, proposalID)
	if err != nil {
		if errors.Is(err, proposal.ErrProposalConflict) {
			status := ""
			if p != nil {
				status = string(p.Status)
			}
			return nil, xerrors.Wrap(proposal.CodeNotApproved, proposal.ErrNotApproved,
				"提案未处于可执行状态",
				xerrors.WithMetadata("proposal_id", proposalID),
				xerrors.WithMetadata("status", status))
		}
		return nil, err
	}

	started := time.Now()
	result, execErr := runExecutor(ctx, fn, p.EffectiveParams())
	duration := time.Since(started)

	outcome := &ExecutionOutcome{
		Success:  execErr == nil,
		Result:   result,
		Err:      execErr,
		Duration: duration,
	}

	if execErr != nil {
		if markErr := r.store.MarkFailed(ctx, proposalID, execErr.Error()); markErr != nil {
			r.log.ErrorContext(ctx, "failed to record execution failure",
				slog.String("proposal_id", proposalID),
				slog.Any("error", markErr))
		}
		r.log.WarnContext(ctx, "approved proposal failed",
			slog.String("proposal_id", proposalID),
			slog.String("action", p.ActionName),
			slog.Duration("duration", duration),
			slog.Any("error", execErr))
		logger.Audit().WarnContext(ctx, "proposal execution failed",
			slog.String("proposal_id", proposalID),
			slog.String("action", p.ActionName))
		return outcome, nil
	}

	if markErr := r.store.MarkCompleted(ctx, proposalID, result); markErr != nil {
		return outcome, markErr
	}
	r.log.InfoContext(ctx, "approved proposal executed",
		slog.String("proposal_id", proposalID),
		slog.String("action", p.ActionName),
		slog.Duration("duration", duration))
	logger.Audit().InfoContext(ctx, "proposal execution completed",
		slog.String("proposal_id", proposalID),
		slog.String("action", p.ActionName))
	return outcome, nil
}

// ExecuteAutonomous 在不经过审批的情况下直接执行动作。动作必须是
// 自治级别且通过边界检查，否则返回 ACTION_REQUIRES_APPROVAL。每次
// 执行都会留下一条执行记录。
func (r *Router) ExecuteAutonomous(ctx context.Context, task Task) (*proposal.ExecutionRecord, *ExecutionOutcome, error) {
	def, check, err := r.evaluate(ctx, &task)
	if err != nil {
		return nil, nil, err
	}
	if def.AutonomyLevel != action.LevelAutonomous {
		return nil, nil, xerrors.Wrap(proposal.CodeRequiresApproval, proposal.ErrRequiresApproval,
			"动作不是自治级别",
			xerrors.WithMetadata("action", task.ActionName),
			xerrors.WithMetadata("autonomy_level", fmt.Sprintf("%d", def.AutonomyLevel)))
	}
	if !check.WithinBounds {
		return nil, nil, xerrors.Wrap(proposal.CodeRequiresApproval, proposal.ErrRequiresApproval,
			"动作越界，必须走审批路径",
			xerrors.WithMetadata("action", task.ActionName))
	}
	return r.executeAutonomous(ctx, task, check)
}

func (r *Router) executeAutonomous(ctx context.Context, task Task, check *bounds.Result) (*proposal.ExecutionRecord, *ExecutionOutcome, error) {
	if task.Execute == nil {
		return nil, nil, xerrors.Wrap(proposal.CodeMissingExecutor, proposal.ErrMissingExecutor,
			"自治动作缺少执行体", xerrors.WithMetadata("action", task.ActionName))
	}

	started := time.Now()
	result, execErr := runExecutor(ctx, task.Execute, task.Params)
	duration := time.Since(started)

	rec := &proposal.ExecutionRecord{
		ID:             uuid.NewString(),
		AgentID:        r.agentID,
		ActionName:     task.ActionName,
		ActionParams:   task.Params,
		Reasoning:      task.Explanation,
		Confidence:     task.Confidence,
		Result:         result,
		DurationMS:     duration.Milliseconds(),
		WithinBounds:   check.WithinBounds,
		BoundsViolated: check.Violations,
		CreatedAt:      time.Now().Unix(),
	}
	if execErr != nil {
		rec.ErrorMessage = execErr.Error()
		rec.Result = nil
	}

	if err := r.records.CreateRecord(ctx, rec); err != nil {
		return nil, nil, err
	}

	stored, err := r.records.GetRecord(ctx, rec.ID)
	if err != nil {
		return nil, nil, err
	}

	outcome := &ExecutionOutcome{
		Success:  execErr == nil,
		Result:   result,
		Err:      execErr,
		Duration: duration,
	}

	level := slog.LevelInfo
	if execErr != nil || stored.FlaggedForReview {
		level = slog.LevelWarn
	}
	r.log.LogAttrs(ctx, level, "autonomous action executed",
		slog.String("record_id", stored.ID),
		slog.String("action", task.ActionName),
		slog.Bool("success", execErr == nil),
		slog.Bool("flagged", stored.FlaggedForReview),
		slog.Duration("duration", duration))
	logger.Audit().LogAttrs(ctx, level, "autonomous execution recorded",
		slog.String("record_id", stored.ID),
		slog.String("action", task.ActionName),
		slog.Bool("flagged", stored.FlaggedForReview))

	if execErr != nil {
		r.emitAlert(ctx, alerting.Event{
			Code:       xerrors.CodeExecutorFailure,
			Message:    execErr.Error(),
			Severity:   xerrors.SeverityWarning,
			RecordID:   stored.ID,
			ActionName: task.ActionName,
			Stage:      "autonomous",
		})
	} else if stored.FlaggedForReview {
		r.emitAlert(ctx, alerting.Event{
			Code:       CodeExecutionFlagged,
			Message:    "自治执行已标记复查",
			Severity:   xerrors.SeverityWarning,
			RecordID:   stored.ID,
			ActionName: task.ActionName,
			Stage:      "flagged",
		})
	}
	return stored, outcome, nil
}

// runExecutor 运行执行体并把 panic 转换为错误。
func runExecutor(ctx context.Context, fn TaskFunc, params map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("执行体 panic: %v", rec))
		}
	}()
	return fn(ctx, params)
}

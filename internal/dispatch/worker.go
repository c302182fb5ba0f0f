package dispatch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/orchestrator"
	"AgentPilot/internal/proposal"
	"AgentPilot/pkg/logger"
)

// CodeDispatchProcessing 表示消费委派提案时的处理错误。
const CodeDispatchProcessing xerrors.Code = "DISPATCH_PROCESSING_FAILURE"

func init() {
	xerrors.Register(CodeDispatchProcessing, xerrors.Attributes{
		Message:   "处理委派提案失败",
		Retryable: true,
		Alert:     true,
		Severity:  xerrors.SeverityWarning,
	})
}

// Worker 代表目标智能体消费委派的子任务提案: 有对应执行器时接受
// 委派并执行，没有时代表智能体拒绝。
type Worker struct {
	agentID     string
	store       proposal.Store
	router      *orchestrator.Router
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	mu        sync.RWMutex
	executors map[string]orchestrator.TaskFunc
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// NewWorker 构造 Worker。
func NewWorker(agentID string, store proposal.Store, router *orchestrator.Router, consumer Consumer, opts ...WorkerOption) (*Worker, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentID 不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store 不能为空")
	}
	if router == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "router 不能为空")
	}
	w := &Worker{
		agentID:     agentID,
		store:       store,
		router:      router,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("dispatch"),
		executors:   make(map[string]orchestrator.TaskFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	return w, nil
}

// Register 为动作注册执行器。
func (w *Worker) Register(actionName string, fn orchestrator.TaskFunc) {
	if actionName == "" || fn == nil {
		return
	}
	w.mu.Lock()
	w.executors[actionName] = fn
	w.mu.Unlock()
}

// Executor 返回动作对应的执行器。
func (w *Worker) Executor(actionName string) (orchestrator.TaskFunc, bool) {
	w.mu.RLock()
	fn, ok := w.executors[actionName]
	w.mu.RUnlock()
	return fn, ok
}

// Start 启动消费循环，阻塞直到 ctx 结束。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置提案消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.Handle)
}

// Handle 处理一个委派的提案 ID。
func (w *Worker) Handle(ctx context.Context, proposalID string) error {
	p, err := w.store.Get(ctx, proposalID)
	if err != nil {
		if stdErrors.Is(err, proposal.ErrProposalNotFound) {
			w.logger.DebugContext(ctx, "跳过不存在的提案", slog.String("proposal_id", proposalID))
			return nil
		}
		w.logger.ErrorContext(ctx, "读取委派提案失败",
			slog.Any("error", err), slog.String("proposal_id", proposalID))
		w.emitAlert(ctx, p, CodeDispatchProcessing, err, "load")
		return err
	}
	if p.TargetAgentID != "" && p.TargetAgentID != w.agentID {
		w.logger.DebugContext(ctx, "跳过不属于当前智能体的提案",
			slog.String("proposal_id", p.ID),
			slog.String("target_agent", p.TargetAgentID))
		return nil
	}
	if p.Status.IsTerminal() || p.Status == proposal.StatusExecuting {
		w.logger.DebugContext(ctx, "提案已处理，跳过",
			slog.String("proposal_id", p.ID),
			slog.String("status", string(p.Status)))
		return nil
	}

	reviewer := "agent:" + w.agentID

	fn, ok := w.Executor(p.ActionName)
	if !ok {
		meta := &proposal.ReviewMeta{ReviewedBy: reviewer, Notes: "目标智能体没有该动作的执行器"}
		if err := w.store.UpdateStatus(ctx, p.ID, proposal.StatusPending, proposal.StatusRejected, meta); err != nil {
			if stdErrors.Is(err, proposal.ErrProposalConflict) || stdErrors.Is(err, proposal.ErrProposalNotFound) {
				return nil
			}
			return err
		}
		logger.Audit().Warn("委派子任务被拒绝",
			slog.String("proposal_id", p.ID),
			slog.String("action", p.ActionName),
			slog.String("agent_id", w.agentID))
		w.emitAlert(ctx, p, proposal.CodeMissingExecutor,
			proposal.ErrMissingExecutor, "reject")
		return nil
	}

	// 接受委派: 以智能体身份批准后进入正常执行路径。
	meta := &proposal.ReviewMeta{ReviewedBy: reviewer, Notes: "委派子任务自动接受"}
	if err := w.store.UpdateStatus(ctx, p.ID, proposal.StatusPending, proposal.StatusApproved, meta); err != nil {
		if stdErrors.Is(err, proposal.ErrProposalConflict) {
			w.logger.DebugContext(ctx, "提案状态已变化，跳过接受",
				slog.String("proposal_id", p.ID))
			return nil
		}
		return err
	}

	outcome, err := w.router.ExecuteApproved(ctx, p.ID, fn)
	if err != nil {
		if stdErrors.Is(err, proposal.ErrNotApproved) {
			return nil
		}
		w.emitAlert(ctx, p, CodeDispatchProcessing, err, "execute")
		return err
	}
	if outcome.Err != nil {
		// 失败已写回提案，委派失败不重投。
		w.emitAlert(ctx, p, xerrors.CodeExecutorFailure, outcome.Err, "failed")
	}
	return nil
}

func (w *Worker) emitAlert(ctx context.Context, p *proposal.Proposal, code xerrors.Code, cause error, stage string) {
	if w == nil || w.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		AgentID:    w.agentID,
		Stage:      stage,
		OccurredAt: time.Now(),
	}
	if p != nil {
		event.ProposalID = p.ID
		event.ActionName = p.ActionName
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		w.logger.ErrorContext(ctx, "告警通知失败",
			slog.Any("error", err),
			slog.String("stage", stage))
	}
}

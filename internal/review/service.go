// Package review 提供人工审查面: 提案审批、自治执行复查与建议浏览。
package review

import (
	"context"
	"log/slog"
	"strings"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/proposal"
	"AgentPilot/pkg/logger"
)

// Service 是面向审查者的操作集合。
type Service struct {
	store       proposal.Store
	records     proposal.RecordStore
	suggestions proposal.SuggestionStore
	log         *slog.Logger
}

// NewService 创建审查服务。
func NewService(store proposal.Store, records proposal.RecordStore, suggestions proposal.SuggestionStore) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store 不能为空")
	}
	if records == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "records 不能为空")
	}
	if suggestions == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "suggestions 不能为空")
	}
	return &Service{
		store:       store,
		records:     records,
		suggestions: suggestions,
		log:         logger.Named("review"),
	}, nil
}

// ListPending 返回等待审批的提案。
func (s *Service) ListPending(ctx context.Context, opts ...proposal.ListOption) ([]*proposal.Proposal, error) {
	merged := append([]proposal.ListOption{
		proposal.WithStatuses(proposal.StatusPending),
		proposal.WithSortOrder(proposal.SortByUpdatedAsc),
	}, opts...)
	return s.store.List(ctx, proposal.BuildListOptions(merged...))
}

// List 返回符合条件的提案。
func (s *Service) List(ctx context.Context, opts ...proposal.ListOption) ([]*proposal.Proposal, error) {
	return s.store.List(ctx, proposal.BuildListOptions(opts...))
}

// Get 查询单个提案。
func (s *Service) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	return s.store.Get(ctx, id)
}

// Stats 返回提案的聚合视图。
func (s *Service) Stats(ctx context.Context, opts ...proposal.ListOption) (proposal.ProposalStats, error) {
	return s.store.Stats(ctx, proposal.BuildListOptions(opts...))
}

// Approve 批准一个待审批提案。审查者可以同时修订动作参数，执行时
// 以修订后的参数为准。
func (s *Service) Approve(ctx context.Context, id, reviewer, notes string, modified map[string]any) (*proposal.Proposal, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审查者不能为空")
	}
	meta := &proposal.ReviewMeta{
		ReviewedBy:     reviewer,
		Notes:          notes,
		ModifiedAction: modified,
	}
	if err := s.store.UpdateStatus(ctx, id, proposal.StatusPending, proposal.StatusApproved, meta); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "proposal approved",
		slog.String("proposal_id", id),
		slog.String("reviewer", reviewer),
		slog.Bool("modified", len(modified) > 0))
	logger.Audit().InfoContext(ctx, "proposal approved",
		slog.String("proposal_id", id),
		slog.String("reviewer", reviewer))
	return s.store.Get(ctx, id)
}

// Reject 拒绝一个待审批提案。
func (s *Service) Reject(ctx context.Context, id, reviewer, notes string) (*proposal.Proposal, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审查者不能为空")
	}
	meta := &proposal.ReviewMeta{ReviewedBy: reviewer, Notes: notes}
	if err := s.store.UpdateStatus(ctx, id, proposal.StatusPending, proposal.StatusRejected, meta); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "proposal rejected",
		slog.String("proposal_id", id),
		slog.String("reviewer", reviewer))
	logger.Audit().InfoContext(ctx, "proposal rejected",
		slog.String("proposal_id", id),
		slog.String("reviewer", reviewer))
	return s.store.Get(ctx, id)
}

// Expire 将超期未处理的提案置为过期。
func (s *Service) Expire(ctx context.Context, id string) error {
	if err := s.store.UpdateStatus(ctx, id, proposal.StatusPending, proposal.StatusExpired, nil); err != nil {
		return err
	}
	logger.Audit().InfoContext(ctx, "proposal expired", slog.String("proposal_id", id))
	return nil
}

// ListFlaggedExecutions 返回被标记且尚未复查的自治执行记录。
func (s *Service) ListFlaggedExecutions(ctx context.Context, limit int) ([]*proposal.ExecutionRecord, error) {
	return s.records.ListFlagged(ctx, limit)
}

// ReviewExecution 对一条自治执行记录给出判定。
func (s *Service) ReviewExecution(ctx context.Context, id, reviewer string, outcome proposal.ReviewOutcome) (*proposal.ExecutionRecord, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审查者不能为空")
	}
	if err := s.records.ReviewRecord(ctx, id, reviewer, outcome); err != nil {
		return nil, err
	}
	logger.Audit().InfoContext(ctx, "execution reviewed",
		slog.String("record_id", id),
		slog.String("reviewer", reviewer),
		slog.String("outcome", string(outcome)))
	return s.records.GetRecord(ctx, id)
}

// ListSuggestions 返回最近的建议。
func (s *Service) ListSuggestions(ctx context.Context, limit int) ([]*proposal.Suggestion, error) {
	return s.suggestions.ListSuggestions(ctx, limit)
}

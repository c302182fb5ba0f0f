package proposal

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentPilot/internal/errors"
)

// MemoryStore 以内存方式保存提案、自治执行记录与建议，主要用于测试
// 和单机运行。所有读取都返回深拷贝，避免调用方越过状态机修改内部状态。
type MemoryStore struct {
	mu          sync.RWMutex
	proposals   map[string]*Proposal
	records     map[string]*ExecutionRecord
	suggestions map[string]*Suggestion
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:   make(map[string]*Proposal),
		records:     make(map[string]*ExecutionRecord),
		suggestions: make(map[string]*Suggestion),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, p *Proposal) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal 不能为空")
	}
	if p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提案 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; ok {
		return ErrProposalConflict
	}
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CoordinationStatus == "" {
		p.CoordinationStatus = CoordinationNone
	}
	m.proposals[p.ID] = cloneProposal(p)
	return nil
}

// Get 返回提案。
func (m *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return cloneProposal(p), nil
}

// UpdateStatus 执行条件状态迁移。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, review *ReviewMeta) error {
	if !CanTransition(from, to) {
		return xerrors.New(CodeProposalConflict, "不允许的状态迁移",
			xerrors.WithMetadata("from", string(from)),
			xerrors.WithMetadata("to", string(to)))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != from {
		return ErrProposalConflict
	}
	p.Status = to
	p.UpdatedAt = time.Now().Unix()
	if review != nil {
		p.ReviewedBy = review.ReviewedBy
		p.ReviewNotes = review.Notes
		if review.ModifiedAction != nil {
			p.ModifiedAction = cloneParams(review.ModifiedAction)
		}
	}
	return nil
}

// BeginExecution 将已批准的提案置为执行中。
func (m *MemoryStore) BeginExecution(_ context.Context, id string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	if p.Status != StatusApproved {
		return cloneProposal(p), ErrProposalConflict
	}
	now := time.Now()
	p.Status = StatusExecuting
	p.ExecutionStartedAt = now.Unix()
	p.UpdatedAt = now.Unix()
	return cloneProposal(p), nil
}

// MarkCompleted 记录成功结果。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != StatusExecuting {
		return ErrProposalConflict
	}
	now := time.Now().Unix()
	p.Status = StatusCompleted
	p.ExecutionResult = result
	p.ExecutionError = ""
	p.ExecutionCompletedAt = now
	p.UpdatedAt = now
	return nil
}

// MarkFailed 标记提案执行失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != StatusExecuting {
		return ErrProposalConflict
	}
	now := time.Now().Unix()
	p.Status = StatusFailed
	p.ExecutionError = errMsg
	p.ExecutionCompletedAt = now
	p.UpdatedAt = now
	return nil
}

// AppendChild 将子提案 ID 追加到父提案的缓存列表。
func (m *MemoryStore) AppendChild(_ context.Context, parentID, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.proposals[parentID]
	if !ok {
		return ErrProposalNotFound
	}
	for _, existing := range parent.ChildProposalIDs {
		if existing == childID {
			return nil
		}
	}
	parent.ChildProposalIDs = append(parent.ChildProposalIDs, childID)
	parent.UpdatedAt = time.Now().Unix()
	return nil
}

// ListChildren 按 parent_proposal_id 扫描子提案。
func (m *MemoryStore) ListChildren(_ context.Context, parentID string) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	children := make([]*Proposal, 0, 4)
	for _, p := range m.proposals {
		if p.ParentProposalID == parentID {
			children = append(children, cloneProposal(p))
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].CreatedAt == children[j].CreatedAt {
			return children[i].ID < children[j].ID
		}
		return children[i].CreatedAt < children[j].CreatedAt
	})
	return children, nil
}

// SetCoordinationStatus 更新协调状态。
func (m *MemoryStore) SetCoordinationStatus(_ context.Context, id string, status CoordinationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	p.CoordinationStatus = status
	p.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的提案。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		if !matchesListFilters(p, opts) {
			continue
		}
		results = append(results, cloneProposal(p))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Proposal{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的提案数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ProposalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := ProposalStats{}
	for _, p := range m.proposals {
		if !matchesListFilters(p, opts) {
			continue
		}
		stats.Total++
		switch p.Status {
		case StatusPending:
			stats.Pending++
		case StatusApproved:
			stats.Approved++
		case StatusExecuting:
			stats.Executing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusRejected:
			stats.Rejected++
		case StatusExpired:
			stats.Expired++
		}
		if p.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = p.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (p.UpdatedAt != 0 && p.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = p.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(p *Proposal, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if p.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AgentID != "" && p.AgentID != opts.AgentID {
		return false
	}
	if opts.TargetAgent != "" && p.TargetAgentID != opts.TargetAgent {
		return false
	}
	if opts.ParentID != "" && p.ParentProposalID != opts.ParentID {
		return false
	}
	if opts.UpdatedGTE > 0 && p.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && p.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// CreateRecord 实现 RecordStore 接口，写入时根据存储策略标记复查。
func (m *MemoryStore) CreateRecord(_ context.Context, rec *ExecutionRecord) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "执行记录已存在")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	rec.FlaggedForReview = shouldFlag(rec)
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

// GetRecord 返回自治执行记录。
func (m *MemoryStore) GetRecord(_ context.Context, id string) (*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// ListFlagged 返回被标记复查且尚未批注的记录。
func (m *MemoryStore) ListFlagged(_ context.Context, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*ExecutionRecord, 0, limit)
	for _, rec := range m.records {
		if rec.FlaggedForReview && rec.ReviewOutcome == "" {
			results = append(results, cloneRecord(rec))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ReviewRecord 批注一条自治执行记录，执行结果本身保持不可变。
func (m *MemoryStore) ReviewRecord(_ context.Context, id, reviewer string, outcome ReviewOutcome) error {
	if !IsValidReviewOutcome(outcome) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的判定取值")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.ReviewOutcome = outcome
	rec.ReviewedBy = reviewer
	return nil
}

// CreateSuggestion 实现 SuggestionStore 接口。
func (m *MemoryStore) CreateSuggestion(_ context.Context, s *Suggestion) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "suggestion 不能为空")
	}
	if s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "建议 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suggestions[s.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "建议已存在")
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().Unix()
	}
	clone := *s
	clone.Params = cloneParams(s.Params)
	m.suggestions[s.ID] = &clone
	return nil
}

// ListSuggestions 返回最近的建议。
func (m *MemoryStore) ListSuggestions(_ context.Context, limit int) ([]*Suggestion, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Suggestion, 0, limit)
	for _, s := range m.suggestions {
		clone := *s
		clone.Params = cloneParams(s.Params)
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ensure interface compliance at compile time
var (
	_ Store           = (*MemoryStore)(nil)
	_ RecordStore     = (*MemoryStore)(nil)
	_ SuggestionStore = (*MemoryStore)(nil)
)

package proposal

import "context"

// ReviewMeta 携带一次人工审阅的元数据。
type ReviewMeta struct {
	ReviewedBy     string
	Notes          string
	ModifiedAction map[string]any
}

// Store 抽象了提案状态的持久化接口。所有状态迁移都是以提案 ID 与
// 当前状态为条件的单次更新，迁移不合法时返回 ErrProposalConflict。
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	// UpdateStatus 执行 from → to 的条件迁移；review 仅在人工审批时提供。
	UpdateStatus(ctx context.Context, id string, from, to Status, review *ReviewMeta) error
	// BeginExecution 将已批准的提案置为 executing 并记录开始时间。
	BeginExecution(ctx context.Context, id string) (*Proposal, error)
	MarkCompleted(ctx context.Context, id string, result any) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	// AppendChild 将子提案 ID 追加到父提案的缓存列表，尽力而为。
	AppendChild(ctx context.Context, parentID, childID string) error
	// ListChildren 按 parent_proposal_id 扫描子提案，是父子关系的权威视图。
	ListChildren(ctx context.Context, parentID string) ([]*Proposal, error)
	SetCoordinationStatus(ctx context.Context, id string, status CoordinationStatus) error
	List(ctx context.Context, opts ListOptions) ([]*Proposal, error)
	Stats(ctx context.Context, opts ListOptions) (ProposalStats, error)
	Close() error
}

// RecordStore 抽象了自治执行记录的持久化接口。记录只追加与批注，
// 是否标记复查由存储层在写入时根据自身策略决定。
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *ExecutionRecord) error
	GetRecord(ctx context.Context, id string) (*ExecutionRecord, error)
	ListFlagged(ctx context.Context, limit int) ([]*ExecutionRecord, error)
	ReviewRecord(ctx context.Context, id, reviewer string, outcome ReviewOutcome) error
}

// SuggestionStore 抽象了 Level-1 建议的持久化接口。
type SuggestionStore interface {
	CreateSuggestion(ctx context.Context, s *Suggestion) error
	ListSuggestions(ctx context.Context, limit int) ([]*Suggestion, error)
}

// flagConfidenceFloor 是写入自治执行记录时触发人工复查的置信度下限。
const flagConfidenceFloor = 0.7

// shouldFlag 是存储层共用的复查标记策略：低置信度或越界即标记。
func shouldFlag(rec *ExecutionRecord) bool {
	if rec == nil {
		return false
	}
	return rec.Confidence < flagConfidenceFloor || !rec.WithinBounds
}

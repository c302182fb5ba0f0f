package proposal

// ProposalStats 聚合了提案状态的统计信息，常用于仪表盘或健康检查。
type ProposalStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Approved        int   `json:"approved"`
	Executing       int   `json:"executing"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Rejected        int   `json:"rejected"`
	Expired         int   `json:"expired"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

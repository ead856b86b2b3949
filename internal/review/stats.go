package review

// ReviewStats 聚合了审查状态的统计信息，常用于仪表盘或健康检查。
type ReviewStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Evaluating      int   `json:"evaluating"`
	Approved        int   `json:"approved"`
	Denied          int   `json:"denied"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

package review

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Aegis-Chain/internal/errors"
)

// MemoryStore 以内存方式保存审查状态，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	reviews map[string]*Review
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviews: make(map[string]*Review)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, review *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if review == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "review 不能为空")
	}
	if review.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审查 ID 不能为空")
	}
	if _, ok := m.reviews[review.ID]; ok {
		return ErrReviewConflict
	}
	now := time.Now().Unix()
	if review.CreatedAt == 0 {
		review.CreatedAt = now
	}
	review.UpdatedAt = now
	m.reviews[review.ID] = cloneReview(review)
	return nil
}

// Get 返回审查。
func (m *MemoryStore) Get(_ context.Context, id string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	review, ok := m.reviews[id]
	if !ok {
		return nil, ErrReviewNotFound
	}
	return cloneReview(review), nil
}

// Claim 将审查状态从 pending 更新为 evaluating。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	review, ok := m.reviews[id]
	if !ok {
		return nil, ErrReviewNotFound
	}
	if IsTerminalStatus(review.Status) {
		return cloneReview(review), ErrReviewDecided
	}
	if review.Status == StatusEvaluating {
		return cloneReview(review), ErrReviewConflict
	}
	review.Status = StatusEvaluating
	review.LastError = ""
	review.ErrorCode = ""
	review.UpdatedAt = time.Now().Unix()
	return cloneReview(review), nil
}

// MarkDecided 记录终态裁定，状态由 Decision.Allowed 决定。
func (m *MemoryStore) MarkDecided(_ context.Context, id string, decision Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	review, ok := m.reviews[id]
	if !ok {
		return ErrReviewNotFound
	}
	if IsTerminalStatus(review.Status) {
		return ErrReviewDecided
	}
	if decision.Allowed {
		review.Status = StatusApproved
	} else {
		review.Status = StatusDenied
	}
	review.Decision = cloneDecision(&decision)
	review.LastError = ""
	review.ErrorCode = ""
	review.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记审查失败。失败即终态，不会重新排队。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	review, ok := m.reviews[id]
	if !ok {
		return ErrReviewNotFound
	}
	if IsTerminalStatus(review.Status) {
		return ErrReviewDecided
	}
	review.Status = StatusFailed
	review.LastError = lastError
	review.ErrorCode = string(code)
	review.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的审查。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Review, 0, len(m.reviews))
	for _, review := range m.reviews {
		if !matchesListFilters(review, opts) {
			continue
		}
		results = append(results, cloneReview(review))
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
			return []*Review{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的审查数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ReviewStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := ReviewStats{}
	for _, review := range m.reviews {
		if !matchesListFilters(review, opts) {
			continue
		}
		stats.Total++
		switch review.Status {
		case StatusPending:
			stats.Pending++
		case StatusEvaluating:
			stats.Evaluating++
		case StatusApproved:
			stats.Approved++
		case StatusDenied:
			stats.Denied++
		case StatusFailed:
			stats.Failed++
		}
		if review.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = review.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (review.UpdatedAt != 0 && review.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = review.UpdatedAt
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

func matchesListFilters(review *Review, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if review.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Categories) > 0 {
		if review.Proposal == nil {
			return false
		}
		matched := false
		for _, category := range opts.Categories {
			if review.Proposal.Category == category {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Principal != "" {
		if review.Proposal == nil {
			return false
		}
		if strings.ToLower(review.Proposal.Principal.Hex()) != opts.Principal {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && review.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && review.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Decided != nil && (review.Decision != nil) != *opts.Decided {
		return false
	}
	if opts.Query != "" && !matchesQuery(review, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(review *Review, query string) bool {
	needle := strings.ToLower(query)
	fields := []string{review.ID, string(review.Status), review.LastError, review.ErrorCode}
	if review.Proposal != nil {
		fields = append(fields,
			string(review.Proposal.Category),
			review.Proposal.Description,
			review.Proposal.Principal.Hex(),
		)
	}
	if review.Decision != nil {
		fields = append(fields, review.Decision.Reason, review.Decision.Consensus, review.Decision.TxHash)
		fields = append(fields, review.Decision.Violations...)
	}
	for _, field := range fields {
		if field == "" {
			continue
		}
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)

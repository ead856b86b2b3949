package review

import (
	"strings"
	"time"

	"Aegis-Chain/internal/proposal"
)

// SortOrder defines how results should be ordered when listing reviews.
type SortOrder int

const (
	// SortByUpdatedDesc orders reviews by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders reviews by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how reviews are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Categories []proposal.Category
	Principal  string
	UpdatedGTE int64
	UpdatedLTE int64
	Decided    *bool
	Order      SortOrder
	Query      string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Categories != nil {
		opts.Categories = normalizeCategories(opts.Categories)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Principal = strings.ToLower(strings.TrimSpace(opts.Principal))
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of reviews returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching reviews before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters reviews by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCategories filters reviews by proposal category.
func WithCategories(categories ...proposal.Category) ListOption {
	return func(opts *ListOptions) {
		opts.Categories = append(opts.Categories[:0], categories...)
	}
}

// WithPrincipal filters reviews by the submitting principal address.
func WithPrincipal(principal string) ListOption {
	return func(opts *ListOptions) {
		opts.Principal = principal
	}
}

// WithUpdatedSince filters reviews updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters reviews updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithDecisionPresence filters reviews by whether they already carry a decision.
func WithDecisionPresence(decided bool) ListOption {
	return func(opts *ListOptions) {
		opts.Decided = new(bool)
		*opts.Decided = decided
	}
}

// WithSortOrder changes the returned order of reviews.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters reviews by fuzzy matching across id, description,
// principal and decision fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func normalizeCategories(input []proposal.Category) []proposal.Category {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[proposal.Category]struct{}, len(input))
	result := make([]proposal.Category, 0, len(input))
	for _, category := range input {
		if !proposal.IsValidCategory(category) {
			continue
		}
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		result = append(result, category)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

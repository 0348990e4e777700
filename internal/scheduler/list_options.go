package scheduler

import (
	"strings"
	"time"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// SortOrder defines how results should be ordered when listing runs.
type SortOrder int

const (
	// SortByUpdatedDesc orders runs by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders runs by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how runs are selected when querying the store.
type ListOptions struct {
	Limit          int
	Offset         int
	Statuses       []workflow.ChainStatus
	ChainID        string
	UpdatedSince   time.Time
	UpdatedUntil   time.Time
	FinishedBefore time.Time
	Order          SortOrder
	Query          string
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
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.ChainID = strings.TrimSpace(opts.ChainID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of runs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching runs before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters runs by the provided statuses.
func WithStatuses(statuses ...workflow.ChainStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithChain filters runs by chain template id.
func WithChain(chainID string) ListOption {
	return func(opts *ListOptions) {
		opts.ChainID = chainID
	}
}

// WithUpdatedSince filters runs updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedSince = ts
	}
}

// WithUpdatedUntil filters runs updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedUntil = ts
	}
}

// WithFinishedBefore keeps only terminal runs that finished strictly before ts.
func WithFinishedBefore(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.FinishedBefore = ts
	}
}

// WithSortOrder changes the returned order of runs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters runs by fuzzy matching across id, chain and error fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []workflow.ChainStatus) []workflow.ChainStatus {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[workflow.ChainStatus]struct{}, len(input))
	result := make([]workflow.ChainStatus, 0, len(input))
	for _, status := range input {
		if !status.Valid() {
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

func matchesListFilters(run *Run, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if run.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.ChainID != "" && run.ChainID != opts.ChainID {
		return false
	}
	if !opts.UpdatedSince.IsZero() && run.UpdatedAt.Before(opts.UpdatedSince) {
		return false
	}
	if !opts.UpdatedUntil.IsZero() && run.UpdatedAt.After(opts.UpdatedUntil) {
		return false
	}
	if !opts.FinishedBefore.IsZero() {
		if !run.Terminal() || run.FinishedAt.IsZero() || !run.FinishedAt.Before(opts.FinishedBefore) {
			return false
		}
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		haystack := strings.ToLower(strings.Join([]string{run.ID, run.ChainID, run.DisplayName, run.LastError}, " "))
		if !strings.Contains(haystack, q) {
			return false
		}
	}
	return true
}

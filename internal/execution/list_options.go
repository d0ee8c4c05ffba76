package execution

import (
	"strings"
	"time"
)

// ListOptions controls which execution records are returned when listing.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	CreatedSince time.Time
	Query        string
}

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
	opts.Query = strings.ToLower(strings.TrimSpace(opts.Query))
}

func (opts *ListOptions) matches(rec *Record) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, s := range opts.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !opts.CreatedSince.IsZero() && rec.CreatedAt.Before(opts.CreatedSince) {
		return false
	}
	if opts.Query != "" {
		haystack := strings.ToLower(rec.Query)
		if rec.Result != nil {
			haystack += "\n" + strings.ToLower(rec.Result.Answer)
		}
		if !strings.Contains(haystack, opts.Query) {
			return false
		}
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching records.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses filters records by status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCreatedSince drops records created before ts.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.CreatedSince = ts }
}

// WithQuery filters records whose query or answer contains the text.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

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

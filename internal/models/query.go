package models

import (
	"fmt"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page selects one page of a listing. Pages are 1-based.
type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// Normalize applies defaults and clamps the page size.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset calculates the row offset for the page.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PageSize
}

// TotalPages returns how many pages of this size hold total rows.
func (p Page) TotalPages(total int) int {
	n := p.Normalize()
	if total <= 0 {
		return 0
	}
	return (total + n.PageSize - 1) / n.PageSize
}

// RunFilter narrows run listings. Empty fields match everything.
type RunFilter struct {
	ChainSlug   string
	Status      Status
	ParentRunID string
}

// FileFilter narrows file listings within a run.
type FileFilter struct {
	Status Status
}

// ChunkFilter narrows chunk listings within a file.
type ChunkFilter struct {
	Status Status
}

// ErrorFilter narrows ingestion error listings. At least one scope is usually
// set by callers, but an empty filter lists every error.
type ErrorFilter struct {
	RunID     string
	FileID    string
	ChunkID   string
	Severity  Severity
	ErrorType string
}

// TimeRange is a bounded look-back window for statistics.
type TimeRange string

const (
	TimeRange24h TimeRange = "24h"
	TimeRange7d  TimeRange = "7d"
	TimeRange30d TimeRange = "30d"
)

// ParseTimeRange validates raw, defaulting to 24h when empty.
func ParseTimeRange(raw string) (TimeRange, error) {
	switch TimeRange(raw) {
	case "":
		return TimeRange24h, nil
	case TimeRange24h, TimeRange7d, TimeRange30d:
		return TimeRange(raw), nil
	}
	return "", fmt.Errorf("unsupported time range %q: must be 24h, 7d or 30d", raw)
}

// Duration returns the window length.
func (tr TimeRange) Duration() time.Duration {
	switch tr {
	case TimeRange7d:
		return 7 * 24 * time.Hour
	case TimeRange30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Since returns the start of the window ending at now.
func (tr TimeRange) Since(now time.Time) time.Time {
	return now.Add(-tr.Duration())
}

// Stats aggregates ingestion activity over a time window.
type Stats struct {
	TimeRange        TimeRange        `json:"timeRange"`
	Since            time.Time        `json:"since"`
	TotalRuns        int              `json:"totalRuns"`
	RunsByStatus     map[Status]int   `json:"runsByStatus"`
	TotalFiles       int              `json:"totalFiles"`
	ProcessedFiles   int              `json:"processedFiles"`
	TotalEntries     int              `json:"totalEntries"`
	ProcessedEntries int              `json:"processedEntries"`
	TotalErrors      int              `json:"totalErrors"`
	ErrorsByType     map[string]int   `json:"errorsByType"`
	ErrorsBySeverity map[Severity]int `json:"errorsBySeverity"`
}

// NewStats returns zero-valued stats with non-nil breakdown maps.
func NewStats(tr TimeRange, since time.Time) *Stats {
	return &Stats{
		TimeRange:        tr,
		Since:            since,
		RunsByStatus:     map[Status]int{},
		ErrorsByType:     map[string]int{},
		ErrorsBySeverity: map[Severity]int{},
	}
}

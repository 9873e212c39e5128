package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Period restricts a query to events newer than a relative cutoff.
type Period string

const (
	PeriodNone  Period = ""
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// ParsePeriod accepts the period names, case-insensitively.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodNone, PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return p, nil
	}
	return PeriodNone, fmt.Errorf("unknown period %q", s)
}

// Since returns the cutoff for p relative to now. The zero time means no cutoff.
func (p Period) Since(now time.Time) time.Time {
	switch p {
	case PeriodDay:
		return now.AddDate(0, 0, -1)
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	case PeriodYear:
		return now.AddDate(-1, 0, 0)
	}
	return time.Time{}
}

// Page size limits.
const (
	DefaultPageSize = 20
	MaxPageSize     = 500
	// MaxOffset bounds Page*Size so it fits every backend's skip type.
	MaxOffset = math.MaxInt32
)

// EventQuery filters and pages stored events.
type EventQuery struct {
	// EventName and Username match exactly, or as a case-insensitive
	// substring when wrapped in "%".
	EventName string
	Username  string
	Period    Period
	Page      int
	Size      int
}

// Normalize applies paging defaults and limits.
func (q EventQuery) Normalize() EventQuery {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.Size <= 0 {
		q.Size = DefaultPageSize
	}
	if q.Size > MaxPageSize {
		q.Size = MaxPageSize
	}
	if q.Page > MaxOffset/q.Size {
		q.Page = MaxOffset / q.Size
	}
	return q
}

// Offset returns the number of records to skip.
func (q EventQuery) Offset() int {
	return q.Page * q.Size
}

// TextFilter is a parsed EventName/Username filter.
type TextFilter struct {
	Value    string
	Contains bool
}

// ParseTextFilter interprets "%value%" as a substring match.
func ParseTextFilter(s string) (TextFilter, bool) {
	if s == "" {
		return TextFilter{}, false
	}
	if len(s) >= 2 && strings.HasPrefix(s, "%") && strings.HasSuffix(s, "%") {
		return TextFilter{Value: s[1 : len(s)-1], Contains: true}, true
	}
	return TextFilter{Value: s}, true
}

// Match applies the filter to v.
func (f TextFilter) Match(v string) bool {
	if f.Contains {
		return strings.Contains(strings.ToLower(v), strings.ToLower(f.Value))
	}
	return v == f.Value
}

// Matches reports whether e satisfies the filters of q, relative to now.
func (q EventQuery) Matches(e *Event, now time.Time) bool {
	if f, ok := ParseTextFilter(q.EventName); ok && !f.Match(e.EventName) {
		return false
	}
	if f, ok := ParseTextFilter(q.Username); ok && !f.Match(e.Username) {
		return false
	}
	if since := q.Period.Since(now); !since.IsZero() && e.Timestamp.Before(since) {
		return false
	}
	return true
}

// EventPage is one page of query results.
type EventPage struct {
	Events     []*Event `json:"events"`
	Page       int      `json:"page"`
	Size       int      `json:"size"`
	Total      int64    `json:"total"`
	TotalPages int      `json:"totalPages"`
}

// NewEventPage computes the page metadata for q.
func NewEventPage(events []*Event, q EventQuery, total int64) *EventPage {
	if events == nil {
		events = []*Event{}
	}
	pages := 0
	if q.Size > 0 {
		pages = int((total + int64(q.Size) - 1) / int64(q.Size))
	}
	return &EventPage{Events: events, Page: q.Page, Size: q.Size, Total: total, TotalPages: pages}
}

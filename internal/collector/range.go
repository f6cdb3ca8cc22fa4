package collector

import (
	"time"

	"github.com/evradar/evradar/internal/models"
)

// IsQuarterLikeRange reports whether [start, end] covers a whole calendar
// month, quarter, or half year. News text like "Q2 2026" tends to arrive as
// such a range, and rendering it as a multi-day calendar block buries the
// real point-in-time events around it.
//
// A range qualifies when start is the first day of a month and end is either
// the first day of a month 1, 3, or 6 months later, or the last day of a
// month 0, 2, or 5 months later (the closed-interval spelling of the same
// spans).
func IsQuarterLikeRange(start, end time.Time) bool {
	if start.Day() != 1 {
		return false
	}
	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())

	if end.Day() == 1 {
		return months == 1 || months == 3 || months == 6
	}
	if end.AddDate(0, 0, 1).Day() == 1 {
		return months == 0 || months == 2 || months == 5
	}
	return false
}

// NormalizeDateRange drops the end time of a shock candidate whose span is a
// bare quarter, month, or half year, turning it into a point-in-time
// placeholder. Other categories come from official schedules and are left
// alone. Returns true when the candidate was modified.
func NormalizeDateRange(c *models.Candidate) bool {
	if c.Category != models.CategoryShock || c.End == nil {
		return false
	}
	if !IsQuarterLikeRange(c.Start, *c.End) {
		return false
	}
	c.End = nil
	return true
}

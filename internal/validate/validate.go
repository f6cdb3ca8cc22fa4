// Package validate enforces the business invariants a candidate must satisfy
// before it may reach the store. Rules are an ordered list of pure
// predicate+reason pairs evaluated with early return, so rule precedence is
// explicit and each rule is testable in isolation.
//
// Rejections are expected steady-state traffic, not anomalies: low-scoring
// macro/shock classifications and stale dates are more likely extraction
// noise than genuine events, and are dropped with a reason string rather
// than stored.
package validate

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/evradar/evradar/internal/models"
)

const (
	// maxPastAge is the stale-event guard for add/update actions.
	// Approximate LLM-derived dates drift into the past if not pruned;
	// cancellations are exempt since they legitimately reference past events.
	maxPastAge = 7 * 24 * time.Hour

	// maxFutureYears is the runaway-extraction guard.
	maxFutureYears = 3

	// minEvidenceLen is the floor on trimmed evidence length in characters.
	minEvidenceLen = 12

	minMacroRisk = 20
	minShockRisk = 30
)

// rule is one validation step: reject with reason when the predicate fires.
type rule struct {
	reason string
	reject func(c models.Candidate, now time.Time) bool
}

var rules = []rule{
	{
		reason: "action=ignore",
		reject: func(c models.Candidate, _ time.Time) bool {
			return c.Action == models.ActionIgnore
		},
	},
	{
		// A time.Time cannot be offset-less, so the naive-timestamp guard
		// lives at the parse boundary (models.ParseTimestamp); the zero
		// value is what an unparsed start degrades to.
		reason: "start_at missing",
		reject: func(c models.Candidate, _ time.Time) bool {
			return c.Start.IsZero()
		},
	},
	{
		reason: "end_at <= start_at",
		reject: func(c models.Candidate, _ time.Time) bool {
			return c.End != nil && !c.End.After(c.Start)
		},
	},
	{
		reason: "start_at is older than now-7d for add/update",
		reject: func(c models.Candidate, now time.Time) bool {
			if c.Action != models.ActionAdd && c.Action != models.ActionUpdate {
				return false
			}
			return c.Start.Before(now.Add(-maxPastAge))
		},
	},
	{
		reason: "start_at is later than now+3y",
		reject: func(c models.Candidate, now time.Time) bool {
			return c.Start.After(now.AddDate(maxFutureYears, 0, 0))
		},
	},
	{
		reason: "evidence too short (<12)",
		reject: func(c models.Candidate, _ time.Time) bool {
			return utf8.RuneCountInString(strings.TrimSpace(c.Evidence)) < minEvidenceLen
		},
	},
	{
		reason: "macro risk_score < 20",
		reject: func(c models.Candidate, _ time.Time) bool {
			return c.Category == models.CategoryMacro && c.RiskScore < minMacroRisk
		},
	},
	{
		reason: "shock risk_score < 30",
		reject: func(c models.Candidate, _ time.Time) bool {
			return c.Category == models.CategoryShock && c.RiskScore < minShockRisk
		},
	},
}

// Check evaluates the rules in order and returns (accepted, reason).
// It is total, side-effect-free, and deterministic given now.
func Check(c models.Candidate, now time.Time) (bool, string) {
	for _, r := range rules {
		if r.reject(c, now) {
			return false, r.reason
		}
	}
	return true, ""
}

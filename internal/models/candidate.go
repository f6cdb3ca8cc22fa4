// Package models defines the core domain entities for the evradar application.
// These models represent candidate events produced by collectors, the persisted
// event records they are merged into, and the per-source attributions that
// track which source asserted which event.
// All models include built-in validation to ensure data integrity throughout the application.
//
// Terminology:
//   - Candidate: one source's claim about a real-world event. Transient,
//     immutable once constructed, and re-produced on every collector run.
//   - Record: the deduplicated, persisted state of a real-world event,
//     keyed by its canonical key.
//   - Attribution: the most recent claim from one (source, source id) pair.
package models

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Category classifies a candidate event. The set is closed; collectors must
// map whatever taxonomy their upstream uses onto one of these.
type Category string

const (
	CategoryMacro      Category = "macro"      // economic releases (CPI, FOMC, ...)
	CategorySector     Category = "sector"     // sector-specific scheduled events
	CategoryBellwether Category = "bellwether" // single-name events, mostly earnings
	CategoryFlows      Category = "flows"      // mechanical flow events (OPEX, rebalances)
	CategoryShock      Category = "shock"      // ad-hoc news-derived events
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryMacro, CategorySector, CategoryBellwether, CategoryFlows, CategoryShock:
		return true
	}
	return false
}

// Action is what a candidate asks the store to do with its event.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionCancel Action = "cancel"
	ActionIgnore Action = "ignore"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionCancel, ActionIgnore:
		return true
	}
	return false
}

// MaxEvidenceLen is the upper bound on the evidence string. The lower bound
// (12 characters, trimmed) is a business rule enforced by the validator, not
// a structural one.
const MaxEvidenceLen = 280

// Candidate represents one source's claim about a calendar-worthy event.
// Collectors construct candidates; the pipeline derives a canonical key,
// validates, and upserts them. A candidate is never mutated after construction.
type Candidate struct {
	Title      string
	Start      time.Time  // must carry an explicit offset; see ParseTimestamp
	End        *time.Time // optional
	Category   Category
	Tags       []string // free-form sector/ticker tags
	RiskScore  int      // 0..100
	Confidence float64  // 0.0..1.0
	SourceName string
	SourceURL  string // optional; empty for computed events
	SourceID   string // source-local identifier
	Evidence   string // verifiable quote or computation note
	Action     Action
}

// Validate checks that all structural candidate fields are valid.
func (c *Candidate) Validate() error {
	if c.Title == "" {
		return errors.New("candidate title must not be empty")
	}
	if !c.Category.Valid() {
		return fmt.Errorf("unknown category %q", c.Category)
	}
	if !c.Action.Valid() {
		return fmt.Errorf("unknown action %q", c.Action)
	}
	if c.RiskScore < 0 || c.RiskScore > 100 {
		return errors.New("risk score must be between 0 and 100")
	}
	if c.Confidence < 0.0 || c.Confidence > 1.0 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	if c.SourceName == "" {
		return errors.New("source name must not be empty")
	}
	if c.SourceID == "" {
		return errors.New("source ID must not be empty")
	}
	if utf8.RuneCountInString(c.Evidence) > MaxEvidenceLen {
		return fmt.Errorf("evidence must not exceed %d characters", MaxEvidenceLen)
	}
	return nil
}

// ParseTimestamp parses an RFC 3339 timestamp, rejecting any form that does
// not carry an explicit UTC offset. This is the only sanctioned way for
// collectors to turn upstream date strings into candidate times: a time.Time
// always has a location attached, so "naive" inputs have to be rejected
// before one is constructed.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q must be RFC 3339 with explicit offset: %w", s, err)
	}
	return t, nil
}

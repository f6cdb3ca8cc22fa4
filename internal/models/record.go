package models

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a persisted event record. Records are
// never deleted; cancellation is a status transition.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// Record is the persisted, deduplicated state of one real-world event.
// Exactly one record exists per canonical key. It is created on first insert
// and mutated only through the store's upsert algorithm.
type Record struct {
	CanonicalKey string
	Title        string
	Start        time.Time
	End          *time.Time
	Category     Category
	Tags         []string
	RiskScore    int
	Confidence   float64
	Status       Status
	UpdatedAt    time.Time
}

// Validate checks that all record fields are valid.
func (r *Record) Validate() error {
	if r.CanonicalKey == "" {
		return errors.New("canonical key must not be empty")
	}
	if r.Title == "" {
		return errors.New("record title must not be empty")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("unknown category %q", r.Category)
	}
	if r.Status != StatusActive && r.Status != StatusCancelled {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.RiskScore < 0 || r.RiskScore > 100 {
		return errors.New("risk score must be between 0 and 100")
	}
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	return nil
}

// Attribution records which source most recently asserted a canonical key.
// Keyed by (source name, source id); refreshed last-write-wins on every touch.
type Attribution struct {
	SourceName   string
	SourceID     string
	CanonicalKey string
	SourceURL    string
	Evidence     string
	SeenAt       time.Time
}

// FeedEntry is a record joined with its most recent attribution, as read back
// for calendar serialization. SourceURL and Evidence are empty when no
// attribution survives (should not happen in practice, but the serializer
// tolerates it).
type FeedEntry struct {
	Record
	SourceURL string
	Evidence  string
}

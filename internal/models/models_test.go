package models

import (
	"strings"
	"testing"
	"time"
)

func validCandidate() Candidate {
	start := time.Date(2026, 3, 12, 8, 30, 0, 0, time.FixedZone("EST", -5*3600))
	return Candidate{
		Title:      "US CPI",
		Start:      start,
		Category:   CategoryMacro,
		Tags:       []string{"macro"},
		RiskScore:  50,
		Confidence: 0.95,
		SourceName: "bls",
		SourceID:   "bls:cpi:2026-03-12",
		Evidence:   "CPI scheduled March 12, 2026",
		Action:     ActionAdd,
	}
}

func TestCandidate_Validate(t *testing.T) {
	c := validCandidate()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid candidate rejected: %v", err)
	}

	// The evidence limit counts characters, so a maximal multibyte
	// string is fine even though it spans far more bytes.
	c.Evidence = strings.Repeat("発", MaxEvidenceLen)
	if err := c.Validate(); err != nil {
		t.Fatalf("multibyte evidence at the limit rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Candidate)
	}{
		{"empty title", func(c *Candidate) { c.Title = "" }},
		{"unknown category", func(c *Candidate) { c.Category = "meme" }},
		{"unknown action", func(c *Candidate) { c.Action = "delete" }},
		{"risk below range", func(c *Candidate) { c.RiskScore = -1 }},
		{"risk above range", func(c *Candidate) { c.RiskScore = 101 }},
		{"confidence above range", func(c *Candidate) { c.Confidence = 1.5 }},
		{"empty source name", func(c *Candidate) { c.SourceName = "" }},
		{"empty source id", func(c *Candidate) { c.SourceID = "" }},
		{"evidence too long", func(c *Candidate) { c.Evidence = strings.Repeat("x", MaxEvidenceLen+1) }},
		{"evidence too long multibyte", func(c *Candidate) { c.Evidence = strings.Repeat("発", MaxEvidenceLen+1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandidate()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("2026-03-12T08:30:00-05:00")
	if err != nil {
		t.Fatalf("ParseTimestamp failed: %v", err)
	}
	if got.UTC().Format("20060102T150405Z") != "20260312T133000Z" {
		t.Errorf("unexpected instant: %v", got)
	}

	// Forms without an explicit offset must be rejected.
	naive := []string{
		"2026-03-12T08:30:00",
		"2026-03-12 08:30:00",
		"2026-03-12",
		"",
	}
	for _, s := range naive {
		if _, err := ParseTimestamp(s); err == nil {
			t.Errorf("expected error for naive timestamp %q", s)
		}
	}
}

func TestRecord_Validate(t *testing.T) {
	r := Record{
		CanonicalKey: "macro:us:cpi:2026-03-12",
		Title:        "US CPI",
		Start:        time.Date(2026, 3, 12, 13, 30, 0, 0, time.UTC),
		Category:     CategoryMacro,
		RiskScore:    50,
		Confidence:   0.95,
		Status:       StatusActive,
		UpdatedAt:    time.Now(),
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	r.Status = "deleted"
	if err := r.Validate(); err == nil {
		t.Error("expected error for unknown status")
	}
}

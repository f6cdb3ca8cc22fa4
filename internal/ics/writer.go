// Package ics renders the active record set into RFC 5545 calendar
// documents. The emitter is written against the wire format directly because
// its correctness contract is byte-level: text escaping must be applied
// exactly once (a composed multi-line DESCRIPTION yields a single \n token,
// never \\n), long lines fold at 75/74 octets without ever splitting a UTF-8
// sequence, and the whole document uses CRLF only.
package ics

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/evradar/evradar/internal/models"
)

const (
	prodID = "-//evradar//EN"

	// RFC 5545 §3.1: first segment of a folded line carries at most 75
	// octets; continuation segments carry a leading space plus 74.
	foldFirst = 75
	foldRest  = 74
)

// categoryMarkers prefix the SUMMARY so feeds are scannable on small
// calendar clients.
var categoryMarkers = map[models.Category]string{
	models.CategoryMacro:      "[MACRO]",
	models.CategorySector:     "[SECTOR]",
	models.CategoryBellwether: "[BW]",
	models.CategoryFlows:      "[FLOW]",
	models.CategoryShock:      "[SHOCK]",
}

// Serializer renders feed entries to ICS bytes. The zero value is not usable;
// call NewSerializer.
type Serializer struct {
	now func() time.Time // injectable for deterministic DTSTAMP
}

// NewSerializer creates a Serializer stamping documents with the wall clock.
func NewSerializer() *Serializer {
	return &Serializer{now: time.Now}
}

// Serialize renders the entries into one VCALENDAR document. It is a pure
// function of its input (given a fixed clock): input order dictates output
// order, so callers should pass entries sorted by start time. Entries that
// cannot be rendered are skipped rather than failing the document; the
// freshest possible feed for the remaining records beats an all-or-nothing
// failure.
func (s *Serializer) Serialize(entries []models.FeedEntry, calName string) []byte {
	dtstamp := formatUTC(s.now())

	lines := make([]string, 0, 4+12*len(entries))
	lines = append(lines,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:"+prodID,
		"X-WR-CALNAME:"+escapeText(calName),
	)

	for _, entry := range entries {
		ev, ok := eventLines(entry, dtstamp)
		if !ok {
			continue
		}
		lines = append(lines, ev...)
	}

	lines = append(lines, "END:VCALENDAR")

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(foldLine(line))
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// eventLines renders one VEVENT. ok is false when the entry is structurally
// unrenderable (zero start, invalid record).
func eventLines(entry models.FeedEntry, dtstamp string) ([]string, bool) {
	if entry.Start.IsZero() || entry.Title == "" {
		return nil, false
	}

	uid := entry.CanonicalKey
	if uid == "" {
		uid = uuid.New().String()
	}

	lines := []string{
		"BEGIN:VEVENT",
		"UID:" + escapeText(uid),
		"DTSTAMP:" + dtstamp,
		"SUMMARY:" + escapeText(summary(entry)),
		"DTSTART:" + formatUTC(entry.Start),
	}
	if entry.End != nil {
		lines = append(lines, "DTEND:"+formatUTC(*entry.End))
	}
	if entry.SourceURL != "" {
		lines = append(lines, "URL:"+escapeText(entry.SourceURL))
	}
	lines = append(lines, "DESCRIPTION:"+escapeText(description(entry)))
	lines = append(lines, "CATEGORIES:"+escapeText(string(entry.Category)))
	if len(entry.Tags) > 0 {
		lines = append(lines, "X-SECTOR-TAGS:"+escapeText(strings.Join(entry.Tags, ",")))
	}
	if entry.Status == models.StatusCancelled {
		lines = append(lines, "STATUS:CANCELLED")
	}
	lines = append(lines, "END:VEVENT")
	return lines, true
}

func summary(entry models.FeedEntry) string {
	if marker, ok := categoryMarkers[entry.Category]; ok {
		return marker + " " + entry.Title
	}
	return entry.Title
}

// description builds the fixed plain-text template. Escaping happens once,
// afterwards, on the assembled string: composing and escaping must never be
// interleaved or the newlines double-escape.
func description(entry models.FeedEntry) string {
	parts := []string{
		fmt.Sprintf("Risk: %d/100 | Confidence: %.2f", entry.RiskScore, entry.Confidence),
	}
	if len(entry.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(entry.Tags, ", "))
	}
	if entry.SourceURL != "" {
		parts = append(parts, "Source: "+entry.SourceURL)
	}
	if entry.Evidence != "" {
		parts = append(parts, "---", "Evidence: "+entry.Evidence)
	}
	return strings.Join(parts, "\n")
}

// formatUTC renders a time in RFC 5545 UTC basic format.
func formatUTC(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// escapeText applies RFC 5545 §3.3.11 TEXT escaping. Backslash first, so the
// escapes introduced for the other characters are not themselves re-escaped.
var textEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\n", "\\n",
	",", "\\,",
	";", "\\;",
)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

// UnescapeText reverses escapeText. Used by consumers reading evradar's own
// feeds back (and by tests asserting the round trip).
func UnescapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// foldLine folds a content line longer than 75 octets into CRLF-separated
// segments, continuations prefixed with a single space. The cut point backs
// up until the segment is valid UTF-8, so a multi-byte sequence is never
// split across segments.
func foldLine(line string) string {
	if len(line) <= foldFirst {
		return line
	}

	var parts []string
	rest := []byte(line)
	first := true
	for len(rest) > 0 {
		budget := foldRest
		if first {
			budget = foldFirst
		}
		if budget > len(rest) {
			budget = len(rest)
		}

		chunk := rest[:budget]
		if budget < len(rest) {
			for len(chunk) > 0 && !utf8.Valid(chunk) {
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) == 0 {
				// Input was not valid UTF-8 to begin with; split at the
				// budget rather than loop forever.
				chunk = rest[:budget]
			}
		}

		if first {
			parts = append(parts, string(chunk))
			first = false
		} else {
			parts = append(parts, " "+string(chunk))
		}
		rest = rest[len(chunk):]
	}

	return strings.Join(parts, "\r\n")
}

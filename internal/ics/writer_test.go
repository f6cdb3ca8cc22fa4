package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"

	"github.com/evradar/evradar/internal/models"
)

var stamp = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testSerializer() *Serializer {
	s := NewSerializer()
	s.now = func() time.Time { return stamp }
	return s
}

func cpiEntry() models.FeedEntry {
	est := time.FixedZone("EST", -5*3600)
	return models.FeedEntry{
		Record: models.Record{
			CanonicalKey: "macro:us:cpi:2026-03-12",
			Title:        "US CPI",
			Start:        time.Date(2026, 3, 12, 8, 30, 0, 0, est),
			Category:     models.CategoryMacro,
			Tags:         []string{"macro", "rates"},
			RiskScore:    50,
			Confidence:   0.95,
			Status:       models.StatusActive,
			UpdatedAt:    stamp,
		},
		SourceURL: "https://www.bls.gov/schedule/news_release/bls.ics",
		Evidence:  "CPI scheduled March 12, 2026",
	}
}

// unfold reverses RFC 5545 line folding for assertions on logical lines.
func unfold(doc string) string {
	return strings.ReplaceAll(doc, "\r\n ", "")
}

func TestSerialize_EmitsSpecCompliantVEvent(t *testing.T) {
	doc := string(testSerializer().Serialize([]models.FeedEntry{cpiEntry()}, "Event Radar"))
	unfolded := unfold(doc)

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"X-WR-CALNAME:Event Radar",
		"BEGIN:VEVENT",
		"UID:macro:us:cpi:2026-03-12",
		"DTSTAMP:20260301T000000Z",
		"SUMMARY:[MACRO] US CPI",
		"DTSTART:20260312T133000Z",
		"CATEGORIES:macro",
		"X-SECTOR-TAGS:macro\\,rates",
		"END:VEVENT",
		"END:VCALENDAR",
	} {
		if !strings.Contains(unfolded, want) {
			t.Errorf("output missing %q\n%s", want, unfolded)
		}
	}

	if strings.Contains(unfolded, "STATUS:CANCELLED") {
		t.Error("active record rendered with STATUS:CANCELLED")
	}
}

func TestSerialize_CancelledStatus(t *testing.T) {
	entry := cpiEntry()
	entry.Status = models.StatusCancelled
	doc := string(testSerializer().Serialize([]models.FeedEntry{entry}, "cal"))
	if !strings.Contains(unfold(doc), "STATUS:CANCELLED") {
		t.Error("cancelled record missing STATUS:CANCELLED")
	}
}

func TestSerialize_DescriptionTemplate(t *testing.T) {
	doc := string(testSerializer().Serialize([]models.FeedEntry{cpiEntry()}, "cal"))
	unfolded := unfold(doc)

	var descLine string
	for _, line := range strings.Split(unfolded, "\r\n") {
		if strings.HasPrefix(line, "DESCRIPTION:") {
			descLine = line
			break
		}
	}
	if descLine == "" {
		t.Fatal("DESCRIPTION line not found")
	}

	desc := UnescapeText(strings.TrimPrefix(descLine, "DESCRIPTION:"))
	wantLines := []string{
		"Risk: 50/100 | Confidence: 0.95",
		"Tags: macro, rates",
		"Source: https://www.bls.gov/schedule/news_release/bls.ics",
		"---",
		"Evidence: CPI scheduled March 12, 2026",
	}
	if got := strings.Split(desc, "\n"); len(got) != len(wantLines) {
		t.Fatalf("description has %d lines, want %d:\n%s", len(got), len(wantLines), desc)
	} else {
		for i := range wantLines {
			if got[i] != wantLines[i] {
				t.Errorf("description line %d = %q, want %q", i, got[i], wantLines[i])
			}
		}
	}
}

func TestSerialize_EscapesExactlyOnce(t *testing.T) {
	doc := string(testSerializer().Serialize([]models.FeedEntry{cpiEntry()}, "cal"))
	unfolded := unfold(doc)

	var descLine string
	for _, line := range strings.Split(unfolded, "\r\n") {
		if strings.HasPrefix(line, "DESCRIPTION:") {
			descLine = line
		}
	}

	// The multi-line template must serialize with single \n tokens; a
	// double-escaped \\n means escaping was applied twice.
	if !strings.Contains(descLine, `\n`) {
		t.Errorf("expected \\n token in DESCRIPTION: %q", descLine)
	}
	if strings.Contains(descLine, `\\n`) {
		t.Errorf("double-escaped newline in DESCRIPTION: %q", descLine)
	}
}

func TestUnescapeText_RoundTrip(t *testing.T) {
	tests := []string{
		"line1\nline2",
		"a,b;c\\d",
		"plain",
		"trailing\n",
	}
	for _, in := range tests {
		if got := UnescapeText(escapeText(in)); got != in {
			t.Errorf("round trip of %q = %q", in, got)
		}
	}
}

func TestSerialize_CRLFOnly(t *testing.T) {
	doc := testSerializer().Serialize([]models.FeedEntry{cpiEntry()}, "cal")

	if !bytes.HasSuffix(doc, []byte("\r\n")) {
		t.Error("document must end with CRLF")
	}
	// Every LF must be part of a CRLF pair.
	stripped := bytes.ReplaceAll(doc, []byte("\r\n"), nil)
	if bytes.ContainsAny(stripped, "\r\n") {
		t.Error("bare CR or LF found in output")
	}
}

func TestSerialize_FoldsLongLines(t *testing.T) {
	entry := cpiEntry()
	entry.Evidence = strings.Repeat("regulatory filing cites export controls ", 8)

	doc := string(testSerializer().Serialize([]models.FeedEntry{entry}, "cal"))
	for _, line := range strings.Split(strings.TrimSuffix(doc, "\r\n"), "\r\n") {
		if len(line) > foldFirst {
			t.Errorf("line exceeds 75 octets (%d): %q", len(line), line)
		}
	}
}

func TestFoldLine_NeverSplitsMultiByteRunes(t *testing.T) {
	// 3-byte runes, long enough that every fold boundary lands mid-rune
	// unless the fold backs off.
	line := "SUMMARY:" + strings.Repeat("市", 60)

	folded := foldLine(line)
	for i, seg := range strings.Split(folded, "\r\n") {
		if i > 0 {
			if !strings.HasPrefix(seg, " ") {
				t.Fatalf("continuation %d missing leading space: %q", i, seg)
			}
			seg = seg[1:]
			if len(seg) > foldRest {
				t.Errorf("continuation %d exceeds %d octets: %d", i, foldRest, len(seg))
			}
		} else if len(seg) > foldFirst {
			t.Errorf("first segment exceeds %d octets: %d", foldFirst, len(seg))
		}
		if !utf8.ValidString(seg) {
			t.Errorf("segment %d is not valid UTF-8: %q", i, seg)
		}
	}

	// Unfolding restores the original line byte for byte.
	if got := strings.ReplaceAll(folded, "\r\n ", ""); got != line {
		t.Error("unfolding the folded line does not restore the original")
	}
}

func TestSerialize_SkipsUnrenderableRecords(t *testing.T) {
	bad := cpiEntry()
	bad.Start = time.Time{}

	doc := string(testSerializer().Serialize([]models.FeedEntry{bad, cpiEntry()}, "cal"))
	if got := strings.Count(doc, "BEGIN:VEVENT"); got != 1 {
		t.Errorf("got %d VEVENTs, want 1 (bad record skipped)", got)
	}
}

func TestSerialize_UIDFallsBackWhenKeyMissing(t *testing.T) {
	entry := cpiEntry()
	entry.CanonicalKey = ""
	doc := testSerializer().Serialize([]models.FeedEntry{entry}, "cal")

	cal, err := ical.ParseCalendar(bytes.NewReader(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	uid := events[0].GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		t.Error("key-less entry must still get a generated UID")
	}
}

func TestSerialize_RoundTripsThroughICalParser(t *testing.T) {
	entries := []models.FeedEntry{cpiEntry()}
	second := cpiEntry()
	second.CanonicalKey = "macro:us:ppi:2026-03-14"
	second.Title = "US PPI"
	second.Start = second.Start.AddDate(0, 0, 2)
	end := second.Start.Add(time.Hour)
	second.End = &end
	entries = append(entries, second)

	doc := testSerializer().Serialize(entries, "Event Radar")

	cal, err := ical.ParseCalendar(bytes.NewReader(doc))
	if err != nil {
		t.Fatalf("emitted document does not parse: %v", err)
	}

	events := cal.Events()
	if len(events) != 2 {
		t.Fatalf("parser found %d events, want 2", len(events))
	}

	uid := events[0].GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value != "macro:us:cpi:2026-03-12" {
		t.Errorf("UID did not survive round trip: %+v", uid)
	}

	start, err := events[0].GetStartAt()
	if err != nil {
		t.Fatalf("GetStartAt: %v", err)
	}
	want := time.Date(2026, 3, 12, 13, 30, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
}

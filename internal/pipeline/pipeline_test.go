package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/evradar/evradar/internal/canonical"
	"github.com/evradar/evradar/internal/collector"
	"github.com/evradar/evradar/internal/config"
	"github.com/evradar/evradar/internal/models"
	"github.com/evradar/evradar/internal/store"
)

type stubCollector struct {
	name  string
	cands []models.Candidate
	errs  []string
}

func (s *stubCollector) Name() string { return s.name }
func (s *stubCollector) Collect(ctx context.Context) ([]models.Candidate, []string) {
	return s.cands, s.errs
}

func testGenerator() *canonical.Generator {
	return canonical.NewGenerator([]canonical.MacroRule{
		{Pattern: regexp.MustCompile(`(?i)\bCPI\b`), Entity: "us", Subtype: "cpi"},
	})
}

func cpiCandidate(t *testing.T) models.Candidate {
	t.Helper()
	start, err := time.Parse(time.RFC3339, "2026-03-12T08:30:00-05:00")
	if err != nil {
		t.Fatalf("parse start: %v", err)
	}
	return models.Candidate{
		Title:      "US CPI",
		Start:      start,
		Category:   models.CategoryMacro,
		Tags:       []string{"macro"},
		RiskScore:  50,
		Confidence: 0.95,
		SourceName: "bls",
		SourceURL:  "https://www.bls.gov/schedule",
		SourceID:   "bls:cpi:2026-03-12",
		Evidence:   "bls: Consumer Price Index, 2026-03-12 08:30 EST",
		Action:     models.ActionAdd,
	}
}

func newTestPipeline(t *testing.T, collectors ...collector.Collector) (*Pipeline, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cal := config.CalendarConfig{
		OutputDir: filepath.Join(dir, "feeds"),
		Name:      "Event Radar",
		DaysBack:  1,
		DaysAhead: 180,
	}
	p := New(collectors, testGenerator(), st, cal)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return p, st, cal.OutputDir
}

func readFeed(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestRun_EndToEnd(t *testing.T) {
	col := &stubCollector{name: "test", cands: []models.Candidate{cpiCandidate(t)}}
	p, st, feedDir := newTestPipeline(t, col)

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Collected != 1 || stats.Inserted != 1 {
		t.Errorf("stats = %+v, want collected=1 inserted=1", stats)
	}

	rec, err := st.Get("macro:us:cpi:2026-03-12")
	if err != nil || rec == nil {
		t.Fatalf("expected stored record, got %v, %v", rec, err)
	}

	all := readFeed(t, feedDir, "sector_events_all.ics")
	if !strings.Contains(all, "SUMMARY:[MACRO] US CPI") {
		t.Errorf("all feed missing summary:\n%s", all)
	}
	if !strings.Contains(all, "DTSTART:20260312T133000Z") {
		t.Errorf("all feed missing UTC start:\n%s", all)
	}

	macro := readFeed(t, feedDir, "sector_events_macro.ics")
	if !strings.Contains(macro, "UID:macro:us:cpi:2026-03-12") {
		t.Errorf("macro feed missing event:\n%s", macro)
	}

	// Feeds for empty categories still exist, just without events.
	flows := readFeed(t, feedDir, "sector_events_flows.ics")
	if strings.Contains(flows, "BEGIN:VEVENT") {
		t.Errorf("flows feed should be empty:\n%s", flows)
	}
	if !strings.Contains(flows, "X-WR-CALNAME:Event Radar - flows") {
		t.Errorf("flows feed missing calendar name:\n%s", flows)
	}
}

func TestRun_ReplayIsIdempotent(t *testing.T) {
	col := &stubCollector{name: "test", cands: []models.Candidate{cpiCandidate(t)}}
	p, _, _ := newTestPipeline(t, col)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Inserted != 0 || stats.Merged != 1 {
		t.Errorf("replay stats = %+v, want inserted=0 merged=1", stats)
	}
}

func TestRun_RejectedCandidateCounted(t *testing.T) {
	bad := cpiCandidate(t)
	bad.Evidence = "too short"
	col := &stubCollector{name: "test", cands: []models.Candidate{bad}}
	p, st, _ := newTestPipeline(t, col)

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Rejected != 1 || stats.Inserted != 0 {
		t.Errorf("stats = %+v, want rejected=1 inserted=0", stats)
	}
	rec, _ := st.Get("macro:us:cpi:2026-03-12")
	if rec != nil {
		t.Error("rejected candidate must not reach the store")
	}
}

func TestRun_CollectorErrorsPropagate(t *testing.T) {
	broken := &stubCollector{name: "broken", errs: []string{"feed x: connection refused"}}
	ok := &stubCollector{name: "ok", cands: []models.Candidate{cpiCandidate(t)}}
	p, _, feedDir := newTestPipeline(t, broken, ok)

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(stats.Errors) != 1 {
		t.Errorf("errors = %v, want the broken collector's error", stats.Errors)
	}
	if stats.Inserted != 1 {
		t.Errorf("healthy collector should still insert, stats = %+v", stats)
	}
	// Feeds are written even with a failing collector.
	if _, err := os.Stat(filepath.Join(feedDir, "sector_events_all.ics")); err != nil {
		t.Errorf("all feed should exist: %v", err)
	}
}

func TestRun_FeedsWrittenWhenNothingCollected(t *testing.T) {
	p, _, feedDir := newTestPipeline(t)

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Collected != 0 {
		t.Errorf("collected = %d, want 0", stats.Collected)
	}
	all := readFeed(t, feedDir, "sector_events_all.ics")
	if !strings.HasPrefix(all, "BEGIN:VCALENDAR") {
		t.Errorf("empty feed should still be a valid calendar:\n%s", all)
	}
}

func TestRun_QuarterRangeDroppedBeforeStore(t *testing.T) {
	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	shock := models.Candidate{
		Title:      "Fab expansion expected in Q2 2026",
		Start:      time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		End:        &end,
		Category:   models.CategoryShock,
		Tags:       []string{"semis"},
		RiskScore:  50,
		Confidence: 0.5,
		SourceName: "rss",
		SourceURL:  "https://example.com/article",
		SourceID:   "rss:https://example.com/article",
		Evidence:   "expansion expected in Q2 2026",
		Action:     models.ActionAdd,
	}
	col := &stubCollector{name: "test", cands: []models.Candidate{shock}}
	p, st, _ := newTestPipeline(t, col)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	key := testGenerator().Key(shock)
	rec, err := st.Get(key)
	if err != nil || rec == nil {
		t.Fatalf("expected stored shock record for %s, got %v, %v", key, rec, err)
	}
	if rec.End != nil {
		t.Errorf("quarter-like end should have been dropped, got %v", rec.End)
	}
}

func TestRun_WriteFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	st, err := store.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cal := config.CalendarConfig{
		OutputDir: filepath.Join(blocker, "feeds"), // parent is a regular file
		Name:      "Event Radar",
		DaysBack:  1,
		DaysAhead: 180,
	}
	p := New(nil, testGenerator(), st, cal)
	if _, err := p.Run(context.Background()); err == nil {
		t.Error("expected error when the feed directory cannot be created")
	}
}

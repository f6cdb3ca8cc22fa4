package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"

	"github.com/evradar/evradar/internal/canonical"
	"github.com/evradar/evradar/internal/config"
	"github.com/evradar/evradar/internal/logger"
	"github.com/evradar/evradar/internal/models"
)

const (
	userAgent        = "evradar/1.0 (+https://github.com/evradar/evradar)"
	defaultMacroRisk = 35
	macroConfidence  = 0.95
)

// eastern is the home zone of US government release calendars. Feeds that
// give naive local times or date-only entries are anchored here.
var eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*3600)
	}
	return loc
}()

// CalendarCollector pulls official release calendars (BLS, BEA style ICS
// feeds) and turns the entries that match the configured macro title rules
// into macro candidates.
type CalendarCollector struct {
	feeds  []config.CalendarFeed
	rules  []canonical.MacroRule
	risk   map[string]int
	window time.Duration
	client *http.Client
	now    func() time.Time
}

// NewCalendarCollector builds a collector over the configured feeds. The
// rule slice keeps configuration order; the first matching rule wins.
func NewCalendarCollector(cfg config.CollectorsConfig, rules []canonical.MacroRule, risk map[string]int) *CalendarCollector {
	return &CalendarCollector{
		feeds:  cfg.Calendars,
		rules:  rules,
		risk:   risk,
		window: time.Duration(cfg.WindowDays) * 24 * time.Hour,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

func (c *CalendarCollector) Name() string { return "official_calendars" }

// Collect fetches every enabled feed independently. A feed that fails to
// fetch or parse contributes an error string and nothing else.
func (c *CalendarCollector) Collect(ctx context.Context) ([]models.Candidate, []string) {
	now := c.now()
	windowEnd := now.Add(c.window)

	var out []models.Candidate
	var errs []string

	for _, feed := range c.feeds {
		if !feed.Enabled {
			continue
		}
		body, err := c.fetchICS(ctx, feed.URL)
		if err != nil {
			msg := fmt.Sprintf("calendar %s: fetch failed: %v", feed.Name, err)
			logger.Warn("%s", msg)
			errs = append(errs, msg)
			continue
		}
		cands, matched, total, err := c.parseFeed(feed, body, now, windowEnd)
		if err != nil {
			msg := fmt.Sprintf("calendar %s: parse failed: %v", feed.Name, err)
			logger.Warn("%s", msg)
			errs = append(errs, msg)
			continue
		}
		if total > 0 && matched == 0 {
			// Usually means the title rules drifted out of sync with the feed.
			logger.Warn("calendar %s: %d events in range but none matched the macro rules", feed.Name, total)
		} else {
			logger.Info("calendar %s: matched %d of %d events in range", feed.Name, matched, total)
		}
		out = append(out, cands...)
	}

	return out, errs
}

func (c *CalendarCollector) fetchICS(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *CalendarCollector) parseFeed(feed config.CalendarFeed, body []byte, start, end time.Time) ([]models.Candidate, int, int, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, err
	}

	var out []models.Candidate
	inRange := 0
	for _, ve := range cal.Events() {
		summary := propValue(ve, ical.ComponentPropertySummary)
		dt, ok := parseDtStart(ve)
		if summary == "" || !ok {
			continue
		}
		if dt.Before(start) || dt.After(end) {
			continue
		}
		inRange++
		if cand, matched := c.matchEvent(feed, summary, dt); matched {
			out = append(out, cand)
		}
	}
	return out, len(out), inRange, nil
}

// matchEvent maps a calendar entry onto a macro candidate via the title
// rules. Unmatched entries are dropped.
func (c *CalendarCollector) matchEvent(feed config.CalendarFeed, summary string, dt time.Time) (models.Candidate, bool) {
	for _, rule := range c.rules {
		if !rule.Pattern.MatchString(summary) {
			continue
		}
		subtype := strings.ToLower(rule.Subtype)
		risk, ok := c.risk[subtype]
		if !ok {
			risk = defaultMacroRisk
		}
		evidence := truncateEvidence(fmt.Sprintf("%s: %s, %s", feed.Name, summary, dt.Format("2006-01-02 15:04 MST")))
		return models.Candidate{
			Title:      summary,
			Start:      dt,
			Category:   models.CategoryMacro,
			RiskScore:  risk,
			Confidence: macroConfidence,
			SourceName: feed.Name,
			SourceURL:  feed.URL,
			SourceID:   fmt.Sprintf("%s:%s:%s", feed.Name, subtype, dt.Format("2006-01-02")),
			Evidence:   evidence,
			Action:     models.ActionAdd,
		}, true
	}
	return models.Candidate{}, false
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

// parseDtStart handles the DTSTART variants government feeds actually emit:
// UTC datetimes with a trailing Z, naive datetimes with a TZID parameter
// (including non-IANA names like US-Eastern), naive datetimes with no zone
// at all, and date-only entries. Date-only entries are pinned to 08:30 ET,
// the usual release time.
func parseDtStart(ve *ical.VEvent) (time.Time, bool) {
	prop := ve.GetProperty(ical.ComponentPropertyDtStart)
	if prop == nil || prop.Value == "" {
		return time.Time{}, false
	}
	val := strings.TrimSpace(prop.Value)

	if len(val) == 8 && !strings.Contains(val, "T") {
		d, err := time.ParseInLocation("20060102", val, eastern)
		if err != nil {
			return time.Time{}, false
		}
		return d.Add(8*time.Hour + 30*time.Minute), true
	}

	if strings.HasSuffix(val, "Z") {
		t, err := parseBasicDatetime(strings.TrimSuffix(val, "Z"), time.UTC)
		return t, err == nil
	}

	loc := eastern
	if tzids, ok := prop.ICalParameters["TZID"]; ok && len(tzids) > 0 {
		loc = tzidLocation(tzids[0])
	}
	t, err := parseBasicDatetime(val, loc)
	return t, err == nil
}

// parseBasicDatetime parses YYYYMMDDTHHMMSS and the seconds-less variant
// some feeds emit.
func parseBasicDatetime(val string, loc *time.Location) (time.Time, error) {
	switch len(val) {
	case 15:
		return time.ParseInLocation("20060102T150405", val, loc)
	case 13:
		return time.ParseInLocation("20060102T1504", val, loc)
	default:
		return time.Time{}, fmt.Errorf("unsupported datetime %q", val)
	}
}

// tzidLocation resolves common TZID spellings. Unknown zones fall back to
// ET since every feed we pull is a US government source.
func tzidLocation(tzid string) *time.Location {
	lower := strings.ToLower(tzid)
	switch {
	case strings.Contains(lower, "eastern"):
		return eastern
	case strings.Contains(lower, "central"):
		if loc, err := time.LoadLocation("America/Chicago"); err == nil {
			return loc
		}
	case strings.Contains(lower, "pacific"):
		if loc, err := time.LoadLocation("America/Los_Angeles"); err == nil {
			return loc
		}
	default:
		if loc, err := time.LoadLocation(tzid); err == nil {
			return loc
		}
		logger.Debug("unknown TZID %q, assuming ET", tzid)
	}
	return eastern
}

func truncateEvidence(s string) string {
	if utf8.RuneCountInString(s) <= models.MaxEvidenceLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:models.MaxEvidenceLen-3]) + "..."
}

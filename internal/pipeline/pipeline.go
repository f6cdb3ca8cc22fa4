// Package pipeline runs one batch: collect candidates, canonicalize,
// validate, upsert, and regenerate the calendar feeds. Collectors degrade
// independently; feed generation always runs so the published calendars
// reflect the store even when every collector failed.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/evradar/evradar/internal/canonical"
	"github.com/evradar/evradar/internal/collector"
	"github.com/evradar/evradar/internal/config"
	"github.com/evradar/evradar/internal/ics"
	"github.com/evradar/evradar/internal/logger"
	"github.com/evradar/evradar/internal/models"
	"github.com/evradar/evradar/internal/store"
	"github.com/evradar/evradar/internal/validate"
)

// categoryFeeds maps each category to its published feed file.
var categoryFeeds = map[models.Category]string{
	models.CategoryMacro:      "sector_events_macro.ics",
	models.CategorySector:     "sector_events_sector.ics",
	models.CategoryBellwether: "sector_events_bellwether.ics",
	models.CategoryFlows:      "sector_events_flows.ics",
	models.CategoryShock:      "sector_events_shock.ics",
}

const allFeedFile = "sector_events_all.ics"

// Stats summarizes one batch run.
type Stats struct {
	Collected int
	Inserted  int
	Updated   int
	Merged    int
	Cancelled int
	Ignored   int
	Rejected  int
	Errors    []string
}

// Pipeline wires the collectors to the store and the calendar output.
type Pipeline struct {
	collectors []collector.Collector
	keys       *canonical.Generator
	store      *store.Store
	serializer *ics.Serializer
	calendar   config.CalendarConfig
	now        func() time.Time
}

// New assembles a pipeline over the given collectors.
func New(collectors []collector.Collector, keys *canonical.Generator, st *store.Store, cal config.CalendarConfig) *Pipeline {
	return &Pipeline{
		collectors: collectors,
		keys:       keys,
		store:      st,
		serializer: ics.NewSerializer(),
		calendar:   cal,
		now:        time.Now,
	}
}

// Run executes one batch. Collector and per-candidate failures are recorded
// in the stats and never abort the run; only a failure to read the store or
// write the primary feed is returned as an error. Feed generation runs even
// when collection produced nothing.
func (p *Pipeline) Run(ctx context.Context) (*Stats, error) {
	now := p.now().UTC()
	stats := &Stats{}

	var candidates []models.Candidate
	for _, col := range p.collectors {
		cands, errs := col.Collect(ctx)
		logger.Info("collector %s: %d candidates, %d errors", col.Name(), len(cands), len(errs))
		candidates = append(candidates, cands...)
		stats.Errors = append(stats.Errors, errs...)
	}
	stats.Collected = len(candidates)

	for _, cand := range candidates {
		if collector.NormalizeDateRange(&cand) {
			logger.Debug("dropped quarter-like range on %q", cand.Title)
		}
		key := p.keys.Key(cand)

		ok, reason := validate.Check(cand, now)
		if !ok {
			logger.Debug("rejected %q (%s): %s", cand.Title, key, reason)
			stats.Rejected++
			continue
		}

		outcome, err := p.store.Upsert(cand, key)
		if err != nil {
			msg := fmt.Sprintf("upsert %s: %v", key, err)
			logger.Warn("%s", msg)
			stats.Errors = append(stats.Errors, msg)
			continue
		}
		stats.count(outcome)
		logger.Debug("upsert %s %s %q", outcome, key, cand.Title)
	}

	if err := p.writeFeeds(now, stats); err != nil {
		return stats, err
	}

	logger.Info("run complete: collected=%d inserted=%d updated=%d merged=%d cancelled=%d ignored=%d rejected=%d errors=%d",
		stats.Collected, stats.Inserted, stats.Updated, stats.Merged, stats.Cancelled, stats.Ignored, stats.Rejected, len(stats.Errors))
	return stats, nil
}

func (s *Stats) count(outcome store.Outcome) {
	switch outcome {
	case store.OutcomeInserted:
		s.Inserted++
	case store.OutcomeUpdated:
		s.Updated++
	case store.OutcomeMerged:
		s.Merged++
	case store.OutcomeCancelled:
		s.Cancelled++
	case store.OutcomeIgnored:
		s.Ignored++
	}
}

// writeFeeds regenerates every published calendar from the store. The
// all-events feed is the primary artifact; its failure fails the run.
// Per-category feeds are best effort.
func (p *Pipeline) writeFeeds(now time.Time, stats *Stats) error {
	start := now.AddDate(0, 0, -p.calendar.DaysBack)
	end := now.AddDate(0, 0, p.calendar.DaysAhead)

	entries, err := p.store.ListActive(start, end)
	if err != nil {
		return fmt.Errorf("list active events: %w", err)
	}

	allPath := filepath.Join(p.calendar.OutputDir, allFeedFile)
	if err := writeAtomic(allPath, p.serializer.Serialize(entries, p.calendar.Name)); err != nil {
		return fmt.Errorf("write %s: %w", allFeedFile, err)
	}
	logger.Info("feed %s: %d events", allFeedFile, len(entries))

	for category, filename := range categoryFeeds {
		var subset []models.FeedEntry
		for _, e := range entries {
			if e.Category == category {
				subset = append(subset, e)
			}
		}
		name := fmt.Sprintf("%s - %s", p.calendar.Name, category)
		path := filepath.Join(p.calendar.OutputDir, filename)
		if err := writeAtomic(path, p.serializer.Serialize(subset, name)); err != nil {
			msg := fmt.Sprintf("write %s: %v", filename, err)
			logger.Error("%s", msg)
			stats.Errors = append(stats.Errors, msg)
			continue
		}
		logger.Info("feed %s: %d events", filename, len(subset))
	}
	return nil
}

// writeAtomic writes via a temp file and rename so subscribers never see a
// partially written feed.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

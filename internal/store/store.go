// Package store provides the durable, key-indexed event set and its
// idempotent merge algorithm. Two tables carry two different conflict
// policies inside one upsert call: the events table only overwrites when a
// candidate constitutes a significant change, while event_sources is
// last-write-wins on every touch. Replaying the same candidate twice yields
// inserted then merged, and the persisted fields are stable under repeated
// no-change upserts.
//
// Records are never deleted. Cancellation is a status transition, which keeps
// historical auditability and avoids dangling references after a category
// misclassification fix.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evradar/evradar/internal/models"
)

// riskChangeThreshold is the minimum absolute risk-score delta that counts as
// a significant change. A noise filter, not an equality check: independent
// extractions of the same event legitimately vary by a few points.
const riskChangeThreshold = 20

// Outcome classifies what an upsert did.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeMerged    Outcome = "merged"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeIgnored   Outcome = "ignored"
)

// Store wraps the events SQLite database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the event database at path and applies the
// schema. The caller owns Close.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &Store{sqlDB}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return db, nil
}

func (s *Store) migrate() error {
	_, err := s.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    canonical_key TEXT PRIMARY KEY,
    title         TEXT NOT NULL,
    start_at      TEXT NOT NULL,
    start_utc     TEXT NOT NULL,
    end_at        TEXT,
    category      TEXT NOT NULL,
    tags          TEXT NOT NULL,
    risk_score    INTEGER NOT NULL,
    confidence    REAL NOT NULL,
    status        TEXT NOT NULL CHECK(status IN ('active','cancelled')),
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_start_utc ON events(start_utc);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);

CREATE TABLE IF NOT EXISTS event_sources (
    source_name   TEXT NOT NULL,
    source_id     TEXT NOT NULL,
    canonical_key TEXT NOT NULL REFERENCES events(canonical_key),
    source_url    TEXT,
    evidence      TEXT NOT NULL,
    seen_at       TEXT NOT NULL,
    PRIMARY KEY (source_name, source_id)
);

CREATE INDEX IF NOT EXISTS idx_event_sources_key ON event_sources(canonical_key);

CREATE TABLE IF NOT EXISTS articles (
    url             TEXT PRIMARY KEY,
    content_hash    TEXT NOT NULL,
    relevance_score REAL NOT NULL,
    fetched_at      TEXT NOT NULL
);
`

// iso renders a time as RFC 3339 preserving its offset, matching the
// start_at column contract.
func iso(t time.Time) string {
	return t.Format(time.RFC3339)
}

func isoPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// Upsert applies one keyed candidate against the persisted state and
// classifies the write. The whole decision runs in a single transaction.
func (s *Store) Upsert(c models.Candidate, key string) (Outcome, error) {
	if key == "" {
		return "", errors.New("canonical key is required before upsert")
	}

	// The validator filters ignores upstream; honor the action here anyway.
	if c.Action == models.ActionIgnore {
		return OutcomeIgnored, nil
	}

	tx, err := s.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowISO := iso(now)

	var oldStart string
	var oldEnd sql.NullString
	var oldRisk int
	err = tx.QueryRow(
		`SELECT start_at, end_at, risk_score FROM events WHERE canonical_key = ?`, key,
	).Scan(&oldStart, &oldEnd, &oldRisk)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First sighting of this key. A cancel for an unknown event still
		// inserts, so later adds for the same key see the cancellation.
		status := models.StatusActive
		outcome := OutcomeInserted
		if c.Action == models.ActionCancel {
			status = models.StatusCancelled
			outcome = OutcomeCancelled
		}
		if err := insertEvent(tx, key, c, status, nowISO); err != nil {
			return "", err
		}
		if err := touchAttribution(tx, key, c, nowISO); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("committing insert: %w", err)
		}
		return outcome, nil

	case err != nil:
		return "", fmt.Errorf("looking up %s: %w", key, err)
	}

	if c.Action == models.ActionCancel {
		// Idempotent: cancelling an already-cancelled record is a status
		// no-op but still classified cancelled.
		_, err := tx.Exec(
			`UPDATE events SET status = ?, updated_at = ? WHERE canonical_key = ?`,
			models.StatusCancelled, nowISO, key,
		)
		if err != nil {
			return "", fmt.Errorf("cancelling %s: %w", key, err)
		}
		if err := touchAttribution(tx, key, c, nowISO); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("committing cancel: %w", err)
		}
		return OutcomeCancelled, nil
	}

	// add/update against an existing record: overwrite only on significant
	// change, otherwise just record the corroborating source.
	newEnd := ""
	if c.End != nil {
		newEnd = iso(*c.End)
	}
	startChanged := oldStart != iso(c.Start)
	endChanged := oldEnd.String != newEnd // NullString zero value covers NULL ↔ ""
	riskChanged := abs(oldRisk-c.RiskScore) >= riskChangeThreshold

	if startChanged || endChanged || riskChanged {
		tags, err := json.Marshal(c.Tags)
		if err != nil {
			return "", fmt.Errorf("encoding tags: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE events
			    SET title = ?, start_at = ?, start_utc = ?, end_at = ?, category = ?,
			        tags = ?, risk_score = ?, confidence = ?, status = ?, updated_at = ?
			  WHERE canonical_key = ?`,
			c.Title, iso(c.Start), iso(c.Start.UTC()), isoPtr(c.End), c.Category,
			string(tags), c.RiskScore, c.Confidence, models.StatusActive, nowISO,
			key,
		)
		if err != nil {
			return "", fmt.Errorf("updating %s: %w", key, err)
		}
		if err := touchAttribution(tx, key, c, nowISO); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("committing update: %w", err)
		}
		return OutcomeUpdated, nil
	}

	if err := touchAttribution(tx, key, c, nowISO); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing merge: %w", err)
	}
	return OutcomeMerged, nil
}

func insertEvent(tx *sql.Tx, key string, c models.Candidate, status models.Status, nowISO string) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO events (canonical_key, title, start_at, start_utc, end_at, category,
		                     tags, risk_score, confidence, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, c.Title, iso(c.Start), iso(c.Start.UTC()), isoPtr(c.End), c.Category,
		string(tags), c.RiskScore, c.Confidence, status, nowISO,
	)
	if err != nil {
		return fmt.Errorf("inserting %s: %w", key, err)
	}
	return nil
}

// touchAttribution creates or refreshes the (source, source id) attribution.
// Last-write-wins: URL, evidence, and seen time are overwritten on every
// touch, whether or not the parent record changed.
func touchAttribution(tx *sql.Tx, key string, c models.Candidate, nowISO string) error {
	var url any
	if c.SourceURL != "" {
		url = c.SourceURL
	}
	_, err := tx.Exec(
		`INSERT INTO event_sources (source_name, source_id, canonical_key, source_url, evidence, seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_name, source_id)
		 DO UPDATE SET canonical_key = excluded.canonical_key,
		               source_url    = excluded.source_url,
		               evidence      = excluded.evidence,
		               seen_at       = excluded.seen_at`,
		c.SourceName, c.SourceID, key, url, c.Evidence, nowISO,
	)
	if err != nil {
		return fmt.Errorf("touching attribution %s/%s: %w", c.SourceName, c.SourceID, err)
	}
	return nil
}

// Get retrieves the record for a canonical key, or nil if none exists.
func (s *Store) Get(key string) (*models.Record, error) {
	row := s.QueryRow(
		`SELECT canonical_key, title, start_at, end_at, category, tags,
		        risk_score, confidence, status, updated_at
		   FROM events WHERE canonical_key = ?`, key,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return rec, nil
}

// ListActive returns active records starting within [start, end], ascending
// by start time, each joined with its most recent attribution. The read runs
// in one query, so the serializer sees a consistent snapshot.
func (s *Store) ListActive(start, end time.Time) ([]models.FeedEntry, error) {
	rows, err := s.Query(
		`SELECT e.canonical_key, e.title, e.start_at, e.end_at, e.category, e.tags,
		        e.risk_score, e.confidence, e.status, e.updated_at,
		        COALESCE(es.source_url, ''), COALESCE(es.evidence, '')
		   FROM events e
		   LEFT JOIN event_sources es ON es.rowid = (
		        SELECT s2.rowid FROM event_sources s2
		         WHERE s2.canonical_key = e.canonical_key
		         ORDER BY s2.seen_at DESC, s2.rowid DESC
		         LIMIT 1)
		  WHERE e.status = 'active'
		    AND e.start_utc >= ?
		    AND e.start_utc <= ?
		  ORDER BY e.start_utc ASC`,
		iso(start.UTC()), iso(end.UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("listing active events: %w", err)
	}
	defer rows.Close()

	var out []models.FeedEntry
	for rows.Next() {
		var entry models.FeedEntry
		rec, err := scanRecordFrom(rows.Scan, &entry.SourceURL, &entry.Evidence)
		if err != nil {
			return nil, fmt.Errorf("scanning active event: %w", err)
		}
		entry.Record = *rec
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active events: %w", err)
	}
	return out, nil
}

type scanFunc func(dest ...any) error

func scanRecord(row *sql.Row) (*models.Record, error) {
	return scanRecordFrom(row.Scan)
}

// scanRecordFrom scans the common record columns, then any extra columns the
// caller appended to the select list.
func scanRecordFrom(scan scanFunc, extra ...any) (*models.Record, error) {
	var (
		rec       models.Record
		startAt   string
		endAt     sql.NullString
		tagsJSON  string
		updatedAt string
	)
	dest := []any{
		&rec.CanonicalKey, &rec.Title, &startAt, &endAt, &rec.Category,
		&tagsJSON, &rec.RiskScore, &rec.Confidence, &rec.Status, &updatedAt,
	}
	dest = append(dest, extra...)
	if err := scan(dest...); err != nil {
		return nil, err
	}

	start, err := time.Parse(time.RFC3339, startAt)
	if err != nil {
		return nil, fmt.Errorf("parsing start_at %q: %w", startAt, err)
	}
	rec.Start = start

	if endAt.Valid && endAt.String != "" {
		end, err := time.Parse(time.RFC3339, endAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing end_at %q: %w", endAt.String, err)
		}
		rec.End = &end
	}

	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags %q: %w", tagsJSON, err)
	}

	if updated, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = updated
	}

	return &rec, nil
}

// ArticleSeen reports whether an article URL was already processed with the
// same content hash. A changed hash reads as unseen, so edited articles are
// re-extracted.
func (s *Store) ArticleSeen(url, contentHash string) (bool, error) {
	var stored string
	err := s.QueryRow(`SELECT content_hash FROM articles WHERE url = ?`, url).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking article %s: %w", url, err)
	}
	return stored == contentHash, nil
}

// MarkArticleSeen records (or refreshes) an article's processed state.
func (s *Store) MarkArticleSeen(url, contentHash string, relevance float64) error {
	_, err := s.Exec(
		`INSERT INTO articles (url, content_hash, relevance_score, fetched_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET content_hash = excluded.content_hash,
		                                relevance_score = excluded.relevance_score,
		                                fetched_at = excluded.fetched_at`,
		url, contentHash, relevance, iso(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("marking article %s: %w", url, err)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

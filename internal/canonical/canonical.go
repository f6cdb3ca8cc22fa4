// Package canonical derives the stable identity string for a candidate event.
//
// A canonical key has the form "category:entity:subtype:date", all lowercase
// ASCII. It is the primary identity of a real-world event across all sources:
// two sources describing the same event must derive the same key, while
// textually similar titles for different events must not collide. Key
// generation is pure; the only inputs are the candidate and the configured
// macro title rules.
//
// Shock (news-derived) keys carry a deliberate asymmetry: the subtype embeds
// a short content hash of the source URL, so re-fetches of the same article
// dedup to one key while independent reports of the same topic stay distinct.
// Precision over recall.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/evradar/evradar/internal/models"
)

const (
	// sectorEntity is the fixed entity for sector-category keys. The radar
	// currently covers one sector universe.
	sectorEntity = "semis"

	// shockHashLen is the hex length of the shock disambiguation hash.
	// Inherited policy constant; collision tolerance at realistic volumes
	// has not been re-derived.
	shockHashLen = 8

	maxEntityLen  = 24
	maxSubtypeLen = 48
)

// MacroRule maps a title pattern onto a fixed (entity, subtype) pair.
// Rules are ordered; the first match wins.
type MacroRule struct {
	Pattern *regexp.Regexp
	Entity  string
	Subtype string
}

// Generator derives canonical keys. Safe for concurrent use; it holds only
// immutable rule state.
type Generator struct {
	macroRules []MacroRule
}

// NewGenerator creates a Generator with the given ordered macro title rules.
func NewGenerator(rules []MacroRule) *Generator {
	return &Generator{macroRules: rules}
}

// Key derives the canonical key for a candidate. It is total: any well-formed
// candidate produces a key, falling back to slugified titles when no rule or
// tag applies.
func (g *Generator) Key(c models.Candidate) string {
	category := strings.ToLower(string(c.Category))
	date := c.Start.Format("2006-01-02") // calendar date in the start's own zone

	var entity, subtype string
	switch c.Category {
	case models.CategoryMacro:
		entity, subtype = g.macroEntitySubtype(c.Title)

	case models.CategoryFlows:
		entity = "us"
		lower := strings.ToLower(c.Title)
		if strings.Contains(lower, "opex") || strings.Contains(lower, "options") {
			subtype = "opex"
		} else {
			subtype = Slug(c.Title, 32)
		}

	case models.CategoryBellwether:
		entity = tickerFromTags(c.Tags)
		if strings.Contains(strings.ToLower(c.Title), "earn") {
			subtype = "earnings"
		} else {
			subtype = Slug(c.Title, 32)
		}

	case models.CategorySector:
		entity = sectorEntity
		subtype = Slug(c.Title, 40)

	case models.CategoryShock:
		entity = "global"
		hashSource := c.SourceURL
		if hashSource == "" {
			hashSource = c.SourceID
		}
		subtype = Slug(c.Title, 40) + "-" + shortHash(hashSource, shockHashLen)

	default:
		entity = "unknown"
		subtype = Slug(c.Title, 40)
	}

	// Final ASCII-safe pass over whatever the branches produced.
	entity = Slug(entity, maxEntityLen)
	subtype = Slug(subtype, maxSubtypeLen)

	return category + ":" + entity + ":" + subtype + ":" + date
}

// macroEntitySubtype matches the title against the ordered rule list,
// falling back to a slugified title under the "us" entity.
func (g *Generator) macroEntitySubtype(title string) (string, string) {
	for _, rule := range g.macroRules {
		if rule.Pattern.MatchString(title) {
			return strings.ToLower(rule.Entity), strings.ToLower(rule.Subtype)
		}
	}
	return "us", Slug(title, 32)
}

// tickerFromTags returns the first tag that looks like a ticker symbol
// (1-6 alphanumeric characters), lowercased, or "unknown".
func tickerFromTags(tags []string) string {
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if len(t) < 1 || len(t) > 6 {
			continue
		}
		if isAlnum(t) {
			return strings.ToLower(t)
		}
	}
	return "unknown"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var (
	nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

	// asciiFold decomposes to NFKD and drops everything outside ASCII,
	// so "Café" folds to "Cafe" rather than "Caf".
	asciiFold = transform.Chain(
		norm.NFKD,
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
)

// Slug converts text into a lowercase ASCII slug: NFKD-folded to ASCII,
// non-alphanumeric runs collapsed to single hyphens, trimmed, capped at
// maxLen. An empty result becomes "event" so keys never have empty fields.
func Slug(text string, maxLen int) string {
	folded, _, err := transform.String(asciiFold, text)
	if err != nil {
		// Fold failure leaves raw text; the regex below still strips
		// anything unsafe.
		folded = text
	}
	s := strings.ToLower(folded)
	s = nonAlnumRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "event"
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.Trim(s, "-")
}

// shortHash returns the first n hex characters of sha256(text).
func shortHash(text string, n int) string {
	sum := sha256.Sum256([]byte(text))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

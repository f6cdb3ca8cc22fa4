package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/evradar/evradar/internal/config"
	"github.com/evradar/evradar/internal/logger"
	"github.com/evradar/evradar/internal/models"
)

const shockConfidence = 0.5

// articleLedger is the slice of the event store the RSS collector needs to
// avoid reprocessing articles across runs.
type articleLedger interface {
	ArticleSeen(url, contentHash string) (bool, error)
	MarkArticleSeen(url, contentHash string, relevance float64) error
}

// RSSCollector polls news feeds and turns prefiltered articles into shock
// candidates. The headline becomes the title and the summary the evidence;
// the publication time anchors the event.
type RSSCollector struct {
	feeds     []config.RSSFeed
	keywords  map[string]float64
	threshold float64
	topK      int
	ledger    articleLedger
	parser    *gofeed.Parser
}

// NewRSSCollector builds a collector over the configured feeds, using the
// ledger to skip articles already processed in earlier runs.
func NewRSSCollector(cfg config.CollectorsConfig, rules config.RulesConfig, ledger articleLedger) *RSSCollector {
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	return &RSSCollector{
		feeds:     cfg.RSS,
		keywords:  rules.Keywords,
		threshold: rules.StageAThreshold,
		topK:      rules.StageBTopK,
		ledger:    ledger,
		parser:    parser,
	}
}

func (c *RSSCollector) Name() string { return "rss" }

// Collect fetches every feed independently, dedupes articles within the run
// and against the ledger, prefilters, and emits one shock candidate per
// surviving article. Survivors are marked seen so the next run skips them
// unless their content changed.
func (c *RSSCollector) Collect(ctx context.Context) ([]models.Candidate, []string) {
	var errs []string

	var articles []Article
	for _, feed := range c.feeds {
		fetched, err := c.fetchFeed(ctx, feed)
		if err != nil {
			msg := fmt.Sprintf("rss %s: %v", feed.Name, err)
			logger.Warn("%s", msg)
			errs = append(errs, msg)
			continue
		}
		logger.Info("rss %s: %d articles", feed.Name, len(fetched))
		articles = append(articles, fetched...)
	}
	if len(articles) == 0 {
		return nil, errs
	}

	fresh := make([]Article, 0, len(articles))
	seenInRun := make(map[string]bool, len(articles))
	for _, a := range articles {
		if seenInRun[a.URL] {
			continue
		}
		seenInRun[a.URL] = true

		seen, err := c.ledger.ArticleSeen(a.URL, contentHash(a))
		if err != nil {
			errs = append(errs, fmt.Sprintf("rss: seen check for %s: %v", a.URL, err))
			continue
		}
		if seen {
			continue
		}
		fresh = append(fresh, a)
	}

	filtered := Prefilter(fresh, c.keywords, c.threshold, c.topK)
	logger.Info("rss prefilter: %d -> %d articles", len(fresh), len(filtered))

	out := make([]models.Candidate, 0, len(filtered))
	for _, sa := range filtered {
		cand, ok := c.shockCandidate(sa)
		if !ok {
			continue
		}
		out = append(out, cand)
		if err := c.ledger.MarkArticleSeen(sa.Article.URL, contentHash(sa.Article), sa.Score); err != nil {
			errs = append(errs, fmt.Sprintf("rss: mark seen for %s: %v", sa.Article.URL, err))
		}
	}
	return out, errs
}

func (c *RSSCollector) fetchFeed(ctx context.Context, feed config.RSSFeed) ([]Article, error) {
	parsed, err := c.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Article, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Link == "" {
			continue
		}
		var published time.Time
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}

		body := item.Description
		if body == "" {
			body = item.Content
		}
		out = append(out, Article{
			Title:     strings.TrimSpace(item.Title),
			Body:      stripMarkup(body),
			URL:       item.Link,
			Published: published,
		})
	}
	return out, nil
}

// shockCandidate builds a shock candidate from a scored article. Articles
// with no usable publication time cannot be anchored and are dropped.
func (c *RSSCollector) shockCandidate(sa ScoredArticle) (models.Candidate, bool) {
	a := sa.Article
	if a.Title == "" || a.Published.IsZero() {
		logger.Debug("rss: skipping unanchorable article %s", a.URL)
		return models.Candidate{}, false
	}

	evidence := strings.TrimSpace(a.Body)
	if evidence == "" {
		evidence = a.Title
	}
	return models.Candidate{
		Title:      a.Title,
		Start:      a.Published,
		Category:   models.CategoryShock,
		Tags:       []string{"semis"},
		RiskScore:  shockRisk(sa.Score),
		Confidence: shockConfidence,
		SourceName: "rss",
		SourceURL:  a.URL,
		SourceID:   "rss:" + a.URL,
		Evidence:   truncateEvidence(evidence),
		Action:     models.ActionAdd,
	}, true
}

// shockRisk maps the prefilter relevance score onto the risk scale. The
// floor keeps accepted shocks above the validator's minimum; the cap keeps
// keyword-stuffed articles from outranking official releases.
func shockRisk(score float64) int {
	risk := 30 + int(score)
	if risk > 70 {
		risk = 70
	}
	return risk
}

func contentHash(a Article) string {
	sum := sha256.Sum256([]byte(a.Title + "\n" + a.Body))
	return hex.EncodeToString(sum[:])
}

var markupTags = regexp.MustCompile(`<[^>]*>`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// stripMarkup flattens feed summaries that arrive as HTML fragments.
func stripMarkup(s string) string {
	s = markupTags.ReplaceAllString(s, " ")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

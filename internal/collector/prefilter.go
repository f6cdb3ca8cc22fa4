package collector

import (
	"sort"
	"strings"
	"time"
)

// Article is one fetched news item before any scoring.
type Article struct {
	Title     string
	Body      string
	URL       string
	Published time.Time
}

// ScoredArticle pairs an article with its relevance score.
type ScoredArticle struct {
	Article Article
	Score   float64
}

// keywordScore sums the configured weights over keyword occurrences in the
// text. Occurrences per keyword are capped at 3 so a headline that repeats
// one term cannot dominate the score.
func keywordScore(text string, keywords map[string]float64) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for kw, weight := range keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		occ := strings.Count(lower, kw)
		if occ <= 0 {
			continue
		}
		if occ > 3 {
			occ = 3
		}
		score += weight * float64(occ)
	}
	return score
}

// Prefilter reduces fetched articles to likely relevant ones in two stages.
// Stage A keeps articles whose weighted keyword score clears the threshold.
// Stage B ranks survivors by score and keeps the top K.
func Prefilter(articles []Article, keywords map[string]float64, threshold float64, topK int) []ScoredArticle {
	scored := make([]ScoredArticle, 0, len(articles))
	for _, a := range articles {
		s := keywordScore(a.Title+"\n"+a.Body, keywords)
		if s >= threshold {
			scored = append(scored, ScoredArticle{Article: a, Score: s})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if topK < 1 {
		topK = 1
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

package retrieval

import (
	"sort"
	"strings"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/engine"
)

// Rerank filters hits against the similarity and term-overlap floors,
// boosts hits that mention extracted entity values, and caps the
// result. All thresholds come from configuration.
func Rerank(cfg config.RetrievalConfig, query string, entities []string, hits []engine.RetrievalHit) []engine.RetrievalHit {
	qWords := wordSet(query)
	out := make([]engine.RetrievalHit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < cfg.MinSimilarity {
			continue
		}
		if overlapRatio(qWords, h.Text) < cfg.MinTermOverlap {
			continue
		}
		boost := 0.0
		lower := strings.ToLower(h.Text)
		for _, e := range entities {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" && strings.Contains(lower, e) {
				boost += cfg.EntityBonus
			}
		}
		h.AdjustedScore = h.Similarity + boost
		if h.AdjustedScore > 1.0 {
			h.AdjustedScore = 1.0
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AdjustedScore > out[j].AdjustedScore })
	if len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:'\"()")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func overlapRatio(qWords map[string]struct{}, text string) float64 {
	if len(qWords) == 0 {
		return 0
	}
	tWords := wordSet(text)
	matched := 0
	for w := range qWords {
		if _, ok := tWords[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(qWords))
}

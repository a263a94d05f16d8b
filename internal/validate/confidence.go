package validate

import (
	"fmt"
	"strings"

	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/exec"
	"github.com/quorralabs/tabula/internal/plan"
)

// DisclaimerThreshold is the free-text confidence below which answers
// carry a visible uncertainty note.
const DisclaimerThreshold = 0.6

var uncertaintyMarkers = []string{
	"i don't know", "i do not know", "not sure", "unclear", "uncertain",
	"cannot find", "could not find", "no information", "unable to",
	"might be", "may be", "possibly", "it appears", "it seems",
}

// FreeTextConfidence scores a generated answer. It returns the score
// and the name of the weakest factor, used in the disclaimer.
func FreeTextConfidence(query, answer string, hits []engine.RetrievalHit) (float64, string) {
	docs := make(map[string]struct{})
	scoreSum := 0.0
	for _, h := range hits {
		doc := h.SourceID
		if d, ok := h.Metadata["document_id"]; ok {
			doc = d
		}
		docs[doc] = struct{}{}
		scoreSum += h.AdjustedScore
	}

	var docFactor float64
	switch n := len(docs); {
	case n >= 5:
		docFactor = 0.9
	case n >= 3:
		docFactor = 0.7
	case n >= 1:
		docFactor = 0.5
	default:
		docFactor = 0.2
	}

	simFactor := 0.0
	if len(hits) > 0 {
		simFactor = scoreSum / float64(len(hits))
	}

	certaintyFactor := 0.8
	lower := strings.ToLower(answer)
	for _, m := range uncertaintyMarkers {
		if strings.Contains(lower, m) {
			certaintyFactor = 0.4
			break
		}
	}

	overlapFactor := wordOverlap(query, answer)

	factors := map[string]float64{
		"evidence volume":    docFactor,
		"evidence relevance": simFactor,
		"answer certainty":   certaintyFactor,
		"query coverage":     overlapFactor,
	}
	total := 0.0
	weakName, weakValue := "", 2.0
	for name, v := range factors {
		total += v
		if v < weakValue {
			weakName, weakValue = name, v
		}
	}
	return total / float64(len(factors)), weakName
}

// ApplyDisclaimer appends the uncertainty note when the score falls
// below the threshold. Scores are reported, never suppressed.
func ApplyDisclaimer(answer string, score float64, weakFactor string) string {
	if score >= DisclaimerThreshold {
		return answer
	}
	return fmt.Sprintf("%s\n\nNote: confidence in this answer is low (%.2f), mainly due to weak %s. Please verify against the source documents.",
		answer, score, weakFactor)
}

func wordOverlap(query, answer string) float64 {
	qWords := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		qWords[strings.Trim(w, ".,!?;:'\"()")] = struct{}{}
	}
	delete(qWords, "")
	if len(qWords) == 0 {
		return 0
	}
	aWords := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(answer)) {
		aWords[strings.Trim(w, ".,!?;:'\"()")] = struct{}{}
	}
	matched := 0
	for w := range qWords {
		if _, ok := aWords[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(qWords))
}

// deterministicAggs are the aggregation kinds whose result is a pure
// function of the surviving rows.
var deterministicAggs = map[plan.Aggregation]bool{
	plan.AggSum:   true,
	plan.AggMean:  true,
	plan.AggMin:   true,
	plan.AggMax:   true,
	plan.AggCount: true,
}

// TabularConfidence scores a deterministic table answer. A result that
// used zero rows short-circuits to exactly 0.1; callers must turn that
// into a clarification response.
func TabularConfidence(topRetrievalScore float64, res exec.Result, declaredFilters int) float64 {
	if res.RowsUsed == 0 {
		return 0.1
	}
	score := 0.2

	switch {
	case topRetrievalScore >= 0.7:
		score += 0.3
	case topRetrievalScore >= 0.5:
		score += 0.2
	case topRetrievalScore >= 0.3:
		score += 0.1
	}

	if declaredFilters > 0 {
		matched := 0
		for _, fm := range res.FilterMatches {
			if fm.Matched > 0 {
				matched++
			}
		}
		if matched > declaredFilters {
			matched = declaredFilters
		}
		score += 0.25 * float64(matched) / float64(declaredFilters)
	} else {
		score += 0.25
	}

	score += 0.15
	if res.RowsUsed == 1 {
		score += 0.05
	}

	if deterministicAggs[res.Aggregation] {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

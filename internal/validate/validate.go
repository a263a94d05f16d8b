// Package validate checks generated answers against the evidence they
// claim to come from and scores confidence for both free-text and
// tabular answers.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quorralabs/tabula/internal/engine"
)

// Issue is one grounding failure found in a generated answer.
type Issue struct {
	Kind   string `json:"kind"`
	Token  string `json:"token"`
	Detail string `json:"detail"`
}

var (
	numberToken   = regexp.MustCompile(`£?\d+(?:,\d{3})*(?:\.\d+)?`)
	yearToken     = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	citationToken = regexp.MustCompile(`(?i)\bsources?\s+\d+(?:\s*(?:,|and)\s*\d+)*`)
)

func normalizeNumber(s string) string {
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, ",", "")
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

func numberSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range numberToken.FindAllString(text, -1) {
		out[normalizeNumber(m)] = struct{}{}
	}
	return out
}

func yearSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range yearToken.FindAllString(text, -1) {
		out[m] = struct{}{}
	}
	return out
}

// CheckGrounding compares the answer's numeric and year tokens against
// the retrieved evidence. Every answer-side token missing from the
// evidence is an issue. The second return value counts cross-document
// conflicts among amount-like tokens.
func CheckGrounding(answer string, hits []engine.RetrievalHit) ([]Issue, int) {
	var evidence strings.Builder
	for _, h := range hits {
		evidence.WriteString(h.Text)
		evidence.WriteString("\n")
	}
	evNumbers := numberSet(evidence.String())
	evYears := yearSet(evidence.String())

	// "Source N" citations are an artifact of the answer prompt, not a
	// figure that needs evidence.
	answer = citationToken.ReplaceAllString(answer, "")

	var issues []Issue
	for n := range numberSet(answer) {
		if _, ok := evNumbers[n]; !ok {
			issues = append(issues, Issue{
				Kind:   "unsupported_number",
				Token:  n,
				Detail: fmt.Sprintf("number %s does not appear in the retrieved evidence", n),
			})
		}
	}
	for y := range yearSet(answer) {
		if _, ok := evYears[y]; !ok {
			issues = append(issues, Issue{
				Kind:   "unsupported_year",
				Token:  y,
				Detail: fmt.Sprintf("year %s does not appear in the retrieved evidence", y),
			})
		}
	}
	return issues, countConflicts(hits)
}

// countConflicts flags amount-like tokens that differ across source
// documents. Only tokens that look like monetary amounts participate.
func countConflicts(hits []engine.RetrievalHit) int {
	perDoc := make(map[string]map[string]struct{})
	for _, h := range hits {
		doc := h.SourceID
		if d, ok := h.Metadata["document_id"]; ok {
			doc = d
		}
		if perDoc[doc] == nil {
			perDoc[doc] = make(map[string]struct{})
		}
		for _, m := range numberToken.FindAllString(h.Text, -1) {
			if !amountLike(m) {
				continue
			}
			perDoc[doc][normalizeNumber(m)] = struct{}{}
		}
	}
	if len(perDoc) < 2 {
		return 0
	}
	union := make(map[string]int)
	docsWithAmounts := 0
	for _, set := range perDoc {
		if len(set) == 0 {
			continue
		}
		docsWithAmounts++
		for t := range set {
			union[t]++
		}
	}
	if docsWithAmounts < 2 {
		return 0
	}
	conflicts := 0
	for _, n := range union {
		if n < docsWithAmounts {
			conflicts++
		}
	}
	return conflicts
}

func amountLike(token string) bool {
	if strings.HasPrefix(token, "£") {
		return true
	}
	return strings.Contains(token, ".") || strings.Contains(token, ",")
}

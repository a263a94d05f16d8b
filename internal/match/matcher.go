// Package match resolves extracted entity strings against the coverage
// entities of candidate tables, with a fuzzy closest-match search and a
// bounded content-scan fallback for tables whose coverage list missed
// the value.
package match

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/quorralabs/tabula/config"
)

// Method records which stage of the match ladder succeeded.
type Method string

const (
	MethodExact     Method = "exact"
	MethodSubstring Method = "substring"
	MethodFuzzy     Method = "fuzzy"
	MethodScan      Method = "content_scan"
	MethodNone      Method = "none"
)

// Result is the outcome of matching one entity against one coverage
// list.
type Result struct {
	Entity     string  `json:"entity"`
	Value      string  `json:"value,omitempty"`
	Method     Method  `json:"method"`
	Score      float64 `json:"score"`
	Suggestion string  `json:"suggestion,omitempty"`
}

// Matcher applies the normalization and fuzzy-match policy from
// configuration.
type Matcher struct {
	cutoff     float64
	candidates int
	scanRows   int
	scanCols   int
}

func New(cfg config.MatchingConfig) *Matcher {
	return &Matcher{
		cutoff:     cfg.FuzzyCutoff,
		candidates: cfg.FuzzyCandidates,
		scanRows:   cfg.ScanMaxRows,
		scanCols:   cfg.ScanMaxColumns,
	}
}

// Trailing qualifiers are stripped longest-first so " local authority"
// wins over " authority".
var trailingQualifiers = []string{
	" local authority", " authority", " borough", " council", " county", " la",
}

var punctuation = regexp.MustCompile(`[^\pL\pN\s]`)
var spaceRun = regexp.MustCompile(`\s+`)

// Normalize lower-cases, strips punctuation, collapses whitespace, and
// removes trailing authority qualifiers.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = punctuation.ReplaceAllString(s, "")
	s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
	for changed := true; changed; {
		changed = false
		for _, q := range trailingQualifiers {
			if strings.HasSuffix(s, q) && len(s) > len(q) {
				s = strings.TrimSpace(strings.TrimSuffix(s, q))
				changed = true
			}
		}
	}
	return s
}

// MatchEntity walks the match ladder for one entity against a coverage
// list: exact, then substring, then fuzzy. The boolean reports whether
// any stage succeeded.
func (m *Matcher) MatchEntity(entity string, coverage []string) (Result, bool) {
	res := Result{Entity: entity, Method: MethodNone}
	norm := Normalize(entity)
	if norm == "" || len(coverage) == 0 {
		return res, false
	}

	for _, c := range coverage {
		if Normalize(c) == norm {
			res.Value, res.Method, res.Score = c, MethodExact, 1.0
			return res, true
		}
	}

	for _, c := range coverage {
		cn := Normalize(c)
		if cn == "" {
			continue
		}
		if strings.Contains(cn, norm) || strings.Contains(norm, cn) {
			res.Value, res.Method, res.Score = c, MethodSubstring, 0.9
			return res, true
		}
	}

	type candidate struct {
		value string
		score float64
	}
	var cands []candidate
	for _, c := range coverage {
		cn := Normalize(c)
		if cn == "" {
			continue
		}
		score := similarity(norm, cn)
		if score < m.cutoff {
			continue
		}
		cands = append(cands, candidate{value: c, score: score})
	}
	if len(cands) == 0 {
		return res, false
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > m.candidates {
		cands = cands[:m.candidates]
	}
	best := cands[0]
	res.Value, res.Method, res.Score = best.value, MethodFuzzy, best.score
	if !strings.EqualFold(strings.TrimSpace(best.value), strings.TrimSpace(entity)) {
		res.Suggestion = "Did you mean: " + best.value + "?"
	}
	return res, true
}

func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(d)/float64(longest)
}

package schema

import (
	"sort"
	"strings"
	"unicode"
)

const (
	coverageCap       = 200
	edgeDataRows      = 100
	rawEdgeRows       = 80
	rawMiddleRows     = 40
	rawColumnCap      = 30
	minEntityLen      = 3
	maxEntityLen      = 60
	strongEntityWords = "council|borough|county|authority|alliance|partnership"
)

// Title-cased placement/tier vocabulary that shows up in fee tables but
// never names a real-world organisation.
var entityStopwords = map[string]struct{}{
	"standard": {}, "solo": {}, "enhanced": {}, "complex": {}, "core": {},
	"placement": {}, "tier": {}, "band": {}, "level": {}, "weekly": {},
	"total": {}, "fee": {}, "fees": {}, "rate": {}, "rates": {}, "age": {},
	"parent": {}, "child": {}, "baby": {}, "notes": {}, "mainstream": {},
	"respite": {}, "sibling": {}, "yes": {}, "no": {}, "various": {},
}

var strongEntityKeywords = strings.Split(strongEntityWords, "|")

// IsCoverageCandidate reports whether a cell value looks like a
// proper-noun entity a table could be "about".
func IsCoverageCandidate(value string) bool {
	v := strings.TrimSpace(value)
	if len(v) < minEntityLen || len(v) > maxEntityLen {
		return false
	}
	if isNullToken(v) {
		return false
	}
	if strings.ContainsFunc(v, unicode.IsDigit) {
		return false
	}
	lower := strings.ToLower(v)
	for _, kw := range strongEntityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	words := strings.Fields(v)
	if len(words) == 1 {
		if _, stop := entityStopwords[lower]; stop {
			return false
		}
		return isTitleCase(words[0])
	}
	for _, w := range words {
		if !isTitleCase(w) {
			return false
		}
	}
	return true
}

// ExtractCoverage collects the coverage entities for a sheet. The
// result is a best-effort superset: absence of a value here must never
// be treated as proof of absence in the underlying rows.
func ExtractCoverage(grid [][]string, header int, columns []ColumnInfo, data [][]string) []string {
	found := make(map[string]string)
	add := func(v string) {
		v = strings.TrimSpace(v)
		if !IsCoverageCandidate(v) {
			return
		}
		key := strings.ToLower(v)
		if _, ok := found[key]; !ok {
			found[key] = v
		}
	}

	// Full scan of every authority-named column.
	for i, col := range columns {
		if !IsAuthorityColumn(col.Name) {
			continue
		}
		for _, row := range data {
			if i < len(row) {
				add(row[i])
			}
		}
	}

	// Bounded scan of the leading and trailing data rows, all columns.
	for _, row := range edgeRows(data, edgeDataRows) {
		for _, cell := range row {
			add(cell)
		}
	}

	// The pre-header raw grid can embed entity lists in header regions
	// or footnotes; sample its edges and middle across bounded columns.
	for _, row := range rawSampleRows(grid) {
		for i, cell := range row {
			if i >= rawColumnCap {
				break
			}
			add(cell)
		}
	}

	out := make([]string, 0, len(found))
	for _, v := range found {
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) > coverageCap {
		out = out[:coverageCap]
	}
	return out
}

func edgeRows(rows [][]string, n int) [][]string {
	if len(rows) <= 2*n {
		return rows
	}
	out := make([][]string, 0, 2*n)
	out = append(out, rows[:n]...)
	out = append(out, rows[len(rows)-n:]...)
	return out
}

func rawSampleRows(grid [][]string) [][]string {
	if len(grid) <= 2*rawEdgeRows+rawMiddleRows {
		return grid
	}
	out := make([][]string, 0, 2*rawEdgeRows+rawMiddleRows)
	out = append(out, grid[:rawEdgeRows]...)
	mid := len(grid)/2 - rawMiddleRows/2
	out = append(out, grid[mid:mid+rawMiddleRows]...)
	out = append(out, grid[len(grid)-rawEdgeRows:]...)
	return out
}

func isTitleCase(word string) bool {
	runes := []rune(word)
	if len(runes) == 0 {
		return false
	}
	if !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

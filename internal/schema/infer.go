package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnHint is a keyword-driven guess at a column's role. Hints guide
// planning only; they never block execution.
type ColumnHint string

const (
	HintCurrency       ColumnHint = "currency"
	HintAge            ColumnHint = "age"
	HintLocalAuthority ColumnHint = "local_authority"
	HintDate           ColumnHint = "date"
	HintUnknown        ColumnHint = "unknown"
)

// ColumnInfo describes one inferred column of a sheet.
type ColumnInfo struct {
	Name          string     `json:"name"`
	Hint          ColumnHint `json:"hint"`
	NullFraction  float64    `json:"null_fraction"`
	DistinctCount int        `json:"distinct_count"`
	Samples       []string   `json:"samples,omitempty"`
}

// Sheet is the inferred schema of one ingested sheet, including the
// coverage entities the sheet appears to be about.
type Sheet struct {
	DocumentID string       `json:"document_id"`
	Filename   string       `json:"filename"`
	SheetName  string       `json:"sheet_name"`
	RowCount   int          `json:"row_count"`
	Columns    []ColumnInfo `json:"columns"`
	Coverage   []string     `json:"coverage_entities,omitempty"`
}

const (
	headerScanRows = 15
	maxSamples     = 8
)

var columnNameClean = regexp.MustCompile(`[^a-z0-9 _\-/%£]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// DetectHeaderRow scans the first rows of a raw grid and picks the row
// with the highest non-empty + 0.5*unique cell score. Ties resolve to
// the earliest row.
func DetectHeaderRow(grid [][]string) int {
	bestIdx := 0
	bestScore := -1.0
	limit := headerScanRows
	if len(grid) < limit {
		limit = len(grid)
	}
	for i := 0; i < limit; i++ {
		nonEmpty := 0
		uniq := make(map[string]struct{})
		for _, cell := range grid[i] {
			v := strings.TrimSpace(cell)
			if v == "" || isNullToken(v) {
				continue
			}
			nonEmpty++
			uniq[v] = struct{}{}
		}
		score := float64(nonEmpty) + 0.5*float64(len(uniq))
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	return bestIdx
}

// NormalizeColumns lower-cases header names, strips disallowed
// characters, collapses whitespace, and guarantees non-empty, unique
// names. An empty name becomes col_<index>; duplicates get a numeric
// suffix.
func NormalizeColumns(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]int)
	for i, c := range raw {
		name := strings.ToLower(strings.TrimSpace(c))
		name = columnNameClean.ReplaceAllString(name, "")
		name = strings.TrimSpace(whitespaceRun.ReplaceAllString(name, " "))
		if name == "" || isNullToken(name) {
			name = fmt.Sprintf("col_%d", i)
		}
		if n, ok := seen[name]; ok {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[name] = 1
		out = append(out, name)
	}
	return out
}

// HintFor returns the keyword-driven hint for a normalized column name.
func HintFor(name string) ColumnHint {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "fee", "rate", "price", "£", "cost", "amount"):
		return HintCurrency
	case containsAny(n, "age", "year"):
		return HintAge
	case IsAuthorityColumn(n):
		return HintLocalAuthority
	case containsAny(n, "effective", "from", "date"):
		return HintDate
	default:
		return HintUnknown
	}
}

// IsAuthorityColumn reports whether a column name matches the
// authority/region vocabulary used for entity re-binding.
func IsAuthorityColumn(name string) bool {
	n := strings.ToLower(name)
	if n == "la" || strings.HasPrefix(n, "la ") || strings.HasSuffix(n, " la") {
		return true
	}
	return containsAny(n, "local authority", "council", "authority", "borough", "county", "region")
}

// InferColumns builds ColumnInfo for each normalized column from the
// data rows below the header.
func InferColumns(names []string, rows [][]string) []ColumnInfo {
	cols := make([]ColumnInfo, len(names))
	for i, name := range names {
		nulls := 0
		distinct := make(map[string]struct{})
		var samples []string
		for _, row := range rows {
			if i >= len(row) {
				nulls++
				continue
			}
			v := strings.TrimSpace(row[i])
			if v == "" || isNullToken(v) {
				nulls++
				continue
			}
			distinct[v] = struct{}{}
			if len(samples) < maxSamples {
				samples = append(samples, v)
			}
		}
		frac := 0.0
		if len(rows) > 0 {
			frac = float64(nulls) / float64(len(rows))
		}
		cols[i] = ColumnInfo{
			Name:          name,
			Hint:          HintFor(name),
			NullFraction:  frac,
			DistinctCount: len(distinct),
			Samples:       samples,
		}
	}
	return cols
}

// Infer builds the full sheet schema from a raw grid: header detection,
// column normalization and typing, and coverage-entity extraction. It
// returns the schema together with the header row index and the data
// rows below it.
func Infer(grid [][]string, documentID, filename, sheetName string) (Sheet, int, [][]string) {
	header := DetectHeaderRow(grid)
	var names []string
	var data [][]string
	if header < len(grid) {
		names = NormalizeColumns(grid[header])
		data = grid[header+1:]
	}
	sheet := Sheet{
		DocumentID: documentID,
		Filename:   filename,
		SheetName:  sheetName,
		RowCount:   len(data),
		Columns:    InferColumns(names, data),
	}
	sheet.Coverage = ExtractCoverage(grid, header, sheet.Columns, data)
	return sheet, header, data
}

func isNullToken(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nan", "none", "null":
		return true
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package extract

import "strings"

// FeeKind is the placement fee category a query asks about.
type FeeKind string

const (
	FeeStandard FeeKind = "standard"
	FeeSolo     FeeKind = "solo"
	FeeEnhanced FeeKind = "enhanced"
	FeeComplex  FeeKind = "complex"
	FeeCore     FeeKind = "core"
	FeeAny      FeeKind = ""
)

// ParseFeeKind detects which fee category a query targets. "standard"
// only counts when solo is not also mentioned: tables often label solo
// rows "standard solo", so a solo mention wins.
func ParseFeeKind(query string) FeeKind {
	q := strings.ToLower(query)
	if strings.Contains(q, "solo") {
		return FeeSolo
	}
	switch {
	case strings.Contains(q, "enhanced"):
		return FeeEnhanced
	case strings.Contains(q, "complex"):
		return FeeComplex
	case strings.Contains(q, "core"):
		return FeeCore
	case strings.Contains(q, "standard"):
		return FeeStandard
	}
	return FeeAny
}

// Excludes returns the category terms a fee kind rules out. A standard
// query must not be answered from solo, enhanced, or complex rows.
func (k FeeKind) Excludes() []string {
	switch k {
	case FeeStandard, FeeCore:
		return []string{"solo", "enhanced", "complex"}
	case FeeSolo:
		return []string{"enhanced", "complex"}
	default:
		return nil
	}
}

// tableTriggers is the vocabulary that routes a query to the table
// pipeline instead of free-text retrieval.
var tableTriggers = []string{
	"fee", "fees", "rate", "rates", "cost", "price", "tariff",
	"how much", "weekly", "allowance", "payment", "per week",
	"band", "age", "placement", "spreadsheet", "table", "column",
	"average", "total", "sum", "highest", "lowest", "compare",
}

// ShouldUseTables reports whether a query looks like a tabular
// question.
func ShouldUseTables(query string) bool {
	q := strings.ToLower(query)
	for _, t := range tableTriggers {
		if strings.Contains(q, t) {
			return true
		}
	}
	return false
}

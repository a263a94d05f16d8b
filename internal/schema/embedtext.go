package schema

import (
	"fmt"
	"strings"
)

const (
	embedCoverageEntities = 20
	embedExampleValues    = 3
)

// EmbedText serializes a sheet schema into the text representation that
// the semantic index over tables actually matches against.
func EmbedText(s Sheet) string {
	parts := []string{
		"FILE:" + s.Filename,
		"SHEET:" + s.SheetName,
	}
	if len(s.Coverage) > 0 {
		cov := s.Coverage
		if len(cov) > embedCoverageEntities {
			cov = cov[:embedCoverageEntities]
		}
		parts = append(parts, "COVERAGE:"+strings.Join(cov, ", "))
	}
	for _, c := range s.Columns {
		ex := c.Samples
		if len(ex) > embedExampleValues {
			ex = ex[:embedExampleValues]
		}
		parts = append(parts, fmt.Sprintf("COL:%s|type=%s|uniq=%d|ex=%s",
			c.Name, c.Hint, c.DistinctCount, strings.Join(ex, ", ")))
	}
	return strings.Join(parts, "\n")
}

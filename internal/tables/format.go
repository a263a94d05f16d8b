package tables

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quorralabs/tabula/internal/exec"
	"github.com/quorralabs/tabula/internal/plan"
)

// formatResult renders an execution result as answer text. Formatting
// is deterministic; no model touches the computed values.
func formatResult(res exec.Result) string {
	switch v := res.Value.(type) {
	case nil:
		return "No matching value was found."
	case int:
		return fmt.Sprintf("Count: %d (from %d matching rows).", v, res.RowsUsed)
	case string:
		return fmt.Sprintf("%s: %s (from %d matching rows).", aggLabel(res.Aggregation), v, res.RowsUsed)
	case map[string]string:
		if res.Aggregation == plan.AggLookup {
			return "Found: " + formatRow(v)
		}
		return aggLabel(res.Aggregation) + " by group:\n" + formatGroups(v)
	case map[string]int:
		lines := make(map[string]string, len(v))
		for k, n := range v {
			lines[k] = fmt.Sprintf("%d", n)
		}
		return "Count by group:\n" + formatGroups(lines)
	case []map[string]string:
		var b strings.Builder
		fmt.Fprintf(&b, "%d matching rows", res.RowsUsed)
		if len(v) < res.RowsUsed {
			fmt.Fprintf(&b, " (showing %d)", len(v))
		}
		b.WriteString(":\n")
		for _, row := range v {
			b.WriteString("- " + formatRow(row) + "\n")
		}
		return strings.TrimRight(b.String(), "\n")
	default:
		return fmt.Sprintf("%v (from %d matching rows).", v, res.RowsUsed)
	}
}

func aggLabel(agg plan.Aggregation) string {
	switch agg {
	case plan.AggSum:
		return "Total"
	case plan.AggMean:
		return "Average"
	case plan.AggMin:
		return "Minimum"
	case plan.AggMax:
		return "Maximum"
	case plan.AggCount:
		return "Count"
	default:
		return "Result"
	}
}

func formatRow(row map[string]string) string {
	keys := make([]string, 0, len(row))
	for k, v := range row {
		if strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, row[k]))
	}
	return strings.Join(parts, ", ")
}

func formatGroups(groups map[string]string) string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, groups[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

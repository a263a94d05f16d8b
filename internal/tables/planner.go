package tables

import (
	"context"
	"fmt"
	"strings"

	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/extract"
	"github.com/quorralabs/tabula/internal/plan"
	"github.com/quorralabs/tabula/internal/store"
)

const planSystemPrompt = `You translate questions about spreadsheet data into execution plans.
Respond with ONLY a JSON object matching this shape:
{"target_sheets": [int], "filters": [{"column": str, "op": "=="|"!="|"in"|"contains"|">"|"<"|">="|"<="|"between", "value": any}], "select": [str], "aggregation": "sum"|"mean"|"avg"|"min"|"max"|"count"|"lookup"|"list", "groupby": [str], "sort_by": str, "sort_order": "asc"|"desc", "top_n": int, "joins": [{"left_sheet": int, "right_sheet": int, "left_key": str, "right_key": str, "join_type": "inner"|"left"|"right"|"outer"}], "needs_clarification": bool, "clarification_question": str}
Sheet numbers refer to the numbered tables below. Use only the listed column names.
If the question cannot be answered from these tables, set needs_clarification to true and ask one short question.`

// planQuery asks the model for an execution plan over the ranked
// candidate tables. Any failure is returned; the caller degrades to a
// clarification response.
func (s *Service) planQuery(ctx context.Context, query string, qa extract.QueryAnalysis, candidates []engine.TableHit, records []store.SheetRecord) (plan.ExecutionPlan, error) {
	byRef := make(map[string]store.SheetRecord, len(records))
	for _, r := range records {
		byRef[r.RowStoreRef] = r
	}

	var b strings.Builder
	for i, h := range candidates {
		rec, ok := byRef[h.RowStore]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "Table %d: %s / %s (%d rows)\n", i, rec.Filename, rec.SheetName, rec.RowCount)
		for _, c := range rec.Schema.Columns {
			fmt.Fprintf(&b, "  - %s (type=%s", c.Name, c.Hint)
			if len(c.Samples) > 0 {
				n := len(c.Samples)
				if n > 3 {
					n = 3
				}
				fmt.Fprintf(&b, ", e.g. %s", strings.Join(c.Samples[:n], ", "))
			}
			b.WriteString(")\n")
		}
	}

	user := fmt.Sprintf("Question: %s\nRewritten: %s\n\nAvailable tables:\n%s", query, qa.RewrittenQuery, b.String())
	raw, err := s.llm.Complete(ctx, []engine.Message{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: user},
	})
	if err != nil {
		return plan.ExecutionPlan{}, fmt.Errorf("plan completion: %w", err)
	}
	return plan.Parse(raw)
}

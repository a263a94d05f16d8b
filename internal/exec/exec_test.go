package exec

import (
	"strings"
	"testing"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/plan"
	"github.com/quorralabs/tabula/internal/tablestore"
)

func testExecutor() *Executor {
	return New(config.TablesConfig{MaxListRows: 50, MaxJoinRows: 100000})
}

func feeTable() tablestore.Table {
	return tablestore.Table{
		DocumentID: "doc-1",
		Filename:   "fees.xlsx",
		SheetName:  "Fees",
		Columns:    []string{"local authority", "placement type", "age band", "weekly fee"},
		Rows: [][]string{
			{"Redbridge", "Standard", "0-4", "£812.50"},
			{"Redbridge", "Solo", "0-4", "£1,240.00"},
			{"Redbridge", "Standard", "5-10", "£840.00"},
			{"Havering", "Standard", "0-4", "798.10"},
			{"Havering", "Enhanced", "0-4", "990.00"},
		},
	}
}

func TestExecuteLookupPreservesDecimalText(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Filters: []plan.Filter{
			{Column: "local authority", Op: plan.OpContains, Value: "redbridge"},
			{Column: "age band", Op: plan.OpEq, Value: "0-4"},
			{Column: "placement type", Op: plan.OpEq, Value: "standard"},
		},
		Aggregation: plan.AggLookup,
	}
	res, err := e.Execute(p, []tablestore.Table{feeTable()}, "", nil)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	if res.RowsUsed != 1 {
		t.Fatalf("expected 1 row used, got %d", res.RowsUsed)
	}
	row, ok := res.Value.(map[string]string)
	if !ok {
		t.Fatalf("expected lookup row map, got %T", res.Value)
	}
	if row["weekly fee"] != "£812.50" {
		t.Fatalf("lookup must return the verbatim cell, got %q", row["weekly fee"])
	}
	if len(res.SampleRows) != 1 || res.SampleRows[0]["local authority"] != "Redbridge" {
		t.Fatalf("expected sample row provenance, got %+v", res.SampleRows)
	}
	fm, ok := res.FilterMatches["age band"]
	if !ok || fm.Matched == 0 {
		t.Fatalf("expected filter match record for age band, got %+v", res.FilterMatches)
	}
}

func TestExecuteSumTrimsTrailingZeros(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Filters:      []plan.Filter{{Column: "placement type", Op: plan.OpEq, Value: "standard"}},
		Select:       []string{"weekly fee"},
		Aggregation:  plan.AggSum,
	}
	res, err := e.Execute(p, []tablestore.Table{feeTable()}, "", nil)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	// 812.50 + 840.00 + 798.10 = 2450.60, trailing zero trimmed.
	if res.Value != "2450.6" {
		t.Fatalf("expected 2450.6, got %v", res.Value)
	}
	if res.RowsUsed != 3 {
		t.Fatalf("expected 3 rows used, got %d", res.RowsUsed)
	}
}

func TestExecuteMeanGroupBy(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		GroupBy:      []string{"local authority"},
		Select:       []string{"weekly fee"},
		Aggregation:  plan.AggMean,
	}
	res, err := e.Execute(p, []tablestore.Table{feeTable()}, "", nil)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	groups, ok := res.Value.(map[string]string)
	if !ok {
		t.Fatalf("expected grouped means, got %T", res.Value)
	}
	// (812.50 + 1240.00 + 840.00) / 3
	if groups["Redbridge"] != "964.1666666666666667" {
		t.Fatalf("unexpected Redbridge mean: %q", groups["Redbridge"])
	}
	if groups["Havering"] != "894.05" {
		t.Fatalf("unexpected Havering mean: %q", groups["Havering"])
	}
}

func TestExecuteExclusionsRunBeforeFilters(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Filters:      []plan.Filter{{Column: "local authority", Op: plan.OpContains, Value: "redbridge"}},
		Select:       []string{"weekly fee"},
		Aggregation:  plan.AggMax,
	}
	exclusions := []Exclusion{{Terms: []string{"solo", "enhanced", "complex"}}}
	res, err := e.Execute(p, []tablestore.Table{feeTable()}, "", exclusions)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	// Without the exclusion the solo row's 1240.00 would win.
	if res.Value != "840" {
		t.Fatalf("expected standard max 840, got %v", res.Value)
	}
}

func TestExecuteEntityRebindsToAuthorityColumn(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Aggregation:  plan.AggCount,
	}
	res, err := e.Execute(p, []tablestore.Table{feeTable()}, "Havering", nil)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	if res.Value != 2 {
		t.Fatalf("expected 2 Havering rows, got %v", res.Value)
	}
	if _, ok := res.FilterMatches["local authority"]; !ok {
		t.Fatalf("expected rebound entity filter, got %+v", res.FilterMatches)
	}
}

func TestExecuteNumericFilterDropsNonNumeric(t *testing.T) {
	e := testExecutor()
	tbl := feeTable()
	tbl.Rows = append(tbl.Rows, []string{"Barnet", "Standard", "0-4", "on request"})
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Filters:      []plan.Filter{{Column: "weekly fee", Op: plan.OpGt, Value: 800}},
		Aggregation:  plan.AggCount,
	}
	res, err := e.Execute(p, []tablestore.Table{tbl}, "", nil)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	// 812.50, 1240.00, 840.00, 990.00 pass; "on request" is dropped, 798.10 fails.
	if res.Value != 4 {
		t.Fatalf("expected 4 rows over 800, got %v", res.Value)
	}
}

func TestExecuteBetweenFilter(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Filters:      []plan.Filter{{Column: "weekly fee", Op: plan.OpBetween, Value: []interface{}{800, 900}}},
		Aggregation:  plan.AggCount,
	}
	res, err := e.Execute(p, []tablestore.Table{feeTable()}, "", nil)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	if res.Value != 2 {
		t.Fatalf("expected 2 rows between 800 and 900, got %v", res.Value)
	}
}

func TestExecuteUnknownColumnListsAvailable(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Filters:      []plan.Filter{{Column: "nightly rate", Op: plan.OpGt, Value: 100}},
	}
	_, err := e.Execute(p, []tablestore.Table{feeTable()}, "", nil)
	if err == nil {
		t.Fatal("expected unknown column to fail")
	}
	want := "available columns: local authority, placement type, age band, weekly fee"
	if got := err.Error(); !strings.Contains(got, want) {
		t.Fatalf("error should list available columns, got %q", got)
	}
}

func TestExecuteJoin(t *testing.T) {
	e := testExecutor()
	regions := tablestore.Table{
		DocumentID: "doc-2",
		Filename:   "regions.xlsx",
		SheetName:  "Regions",
		Columns:    []string{"la name", "region"},
		Rows: [][]string{
			{"Redbridge", "London"},
			{"Havering", "London"},
		},
	}
	p := plan.ExecutionPlan{
		TargetSheets: []int{0, 1},
		Joins: []plan.Join{{
			LeftSheet: 0, RightSheet: 1,
			LeftKey: "local authority", RightKey: "la name",
			JoinType: plan.JoinInner,
		}},
		Filters:     []plan.Filter{{Column: "region", Op: plan.OpEq, Value: "London"}},
		Aggregation: plan.AggCount,
	}
	res, err := e.Execute(p, []tablestore.Table{feeTable(), regions}, "", nil)
	if err != nil {
		t.Fatalf("executing join plan: %v", err)
	}
	if res.Value != 5 {
		t.Fatalf("expected all 5 rows joined to London, got %v", res.Value)
	}
}

func TestExecuteZeroRowJoinIsError(t *testing.T) {
	e := testExecutor()
	other := tablestore.Table{
		Columns: []string{"la name", "region"},
		Rows:    [][]string{{"Aberdeen", "Scotland"}},
	}
	p := plan.ExecutionPlan{
		TargetSheets: []int{0, 1},
		Joins: []plan.Join{{
			LeftSheet: 0, RightSheet: 1,
			LeftKey: "local authority", RightKey: "la name",
			JoinType: plan.JoinInner,
		}},
	}
	if _, err := e.Execute(p, []tablestore.Table{feeTable(), other}, "", nil); err == nil {
		t.Fatal("expected zero-row join to be an explicit error")
	}
}

func TestExecuteJoinRefusesOversizedSide(t *testing.T) {
	e := New(config.TablesConfig{MaxListRows: 50, MaxJoinRows: 3})
	other := tablestore.Table{Columns: []string{"la name"}, Rows: [][]string{{"Redbridge"}}}
	p := plan.ExecutionPlan{
		TargetSheets: []int{0, 1},
		Joins: []plan.Join{{
			LeftSheet: 0, RightSheet: 1,
			LeftKey: "local authority", RightKey: "la name",
			JoinType: plan.JoinInner,
		}},
	}
	if _, err := e.Execute(p, []tablestore.Table{feeTable(), other}, "", nil); err == nil {
		t.Fatal("expected oversized join side to be refused")
	}
}

func TestExecuteListSortAndTopN(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{
		TargetSheets: []int{0},
		Aggregation:  plan.AggList,
		SortBy:       "weekly fee",
		SortOrder:    "desc",
		TopN:         2,
	}
	res, err := e.Execute(p, []tablestore.Table{feeTable()}, "", nil)
	if err != nil {
		t.Fatalf("executing list plan: %v", err)
	}
	rows, ok := res.Value.([]map[string]string)
	if !ok {
		t.Fatalf("expected list rows, got %T", res.Value)
	}
	if len(rows) != 2 {
		t.Fatalf("expected top 2 rows, got %d", len(rows))
	}
	if rows[0]["weekly fee"] != "£1,240.00" || rows[1]["weekly fee"] != "990.00" {
		t.Fatalf("unexpected sort order: %+v", rows)
	}
}

func TestExecuteBadSheetIndex(t *testing.T) {
	e := testExecutor()
	p := plan.ExecutionPlan{TargetSheets: []int{3}}
	if _, err := e.Execute(p, []tablestore.Table{feeTable()}, "", nil); err == nil {
		t.Fatal("expected out-of-range sheet index to fail")
	}
}

// Package exec runs validated execution plans against pre-loaded row
// stores. Once a plan exists, everything here is deterministic: no
// model calls, no randomness, only the plan fields and the table data.
package exec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/plan"
	"github.com/quorralabs/tabula/internal/schema"
	"github.com/quorralabs/tabula/internal/tablestore"
)

const maxSampleRows = 3

// FilterMatch records how one declared filter fared against the data.
type FilterMatch struct {
	Op      string      `json:"op"`
	Value   interface{} `json:"value"`
	Matched int         `json:"matched_count"`
}

// SheetRef identifies one sheet that contributed rows to a result.
type SheetRef struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	SheetName  string `json:"sheet_name"`
}

// Result is the outcome of executing a plan. It always carries
// provenance and up to three verbatim sample rows so answers can be
// validated against the data they came from.
type Result struct {
	Value         interface{}            `json:"result_value"`
	Aggregation   plan.Aggregation       `json:"aggregation"`
	RowsUsed      int                    `json:"rows_used"`
	ColumnsUsed   []string               `json:"columns_used"`
	FilterMatches map[string]FilterMatch `json:"filter_matches"`
	Provenance    []SheetRef             `json:"provenance"`
	SampleRows    []map[string]string    `json:"sample_rows"`
}

// Exclusion drops rows whose category column mentions any of the
// terms, before declared filters run. An empty Column applies the rule
// to every category-like column.
type Exclusion struct {
	Column string
	Terms  []string
}

// Executor applies the row caps from configuration.
type Executor struct {
	maxListRows int
	maxJoinRows int
}

func New(cfg config.TablesConfig) *Executor {
	return &Executor{maxListRows: cfg.MaxListRows, maxJoinRows: cfg.MaxJoinRows}
}

type frame struct {
	ref  SheetRef
	cols []string
	rows [][]string
}

// Execute runs the plan over the candidate tables. plan sheet numbers
// index into tables. The entity, when set, is re-bound as a contains
// filter if the plan did not already carry it.
func (e *Executor) Execute(p plan.ExecutionPlan, tables []tablestore.Table, entity string, exclusions []Exclusion) (Result, error) {
	res := Result{
		Aggregation:   p.Aggregation,
		FilterMatches: make(map[string]FilterMatch),
	}

	frames := make(map[int]*frame)
	for _, idx := range p.TargetSheets {
		if idx < 0 || idx >= len(tables) {
			return res, fmt.Errorf("loading sheet %d: only %d candidate tables available", idx, len(tables))
		}
		t := tables[idx]
		frames[idx] = &frame{
			ref:  SheetRef{DocumentID: t.DocumentID, Filename: t.Filename, SheetName: t.SheetName},
			cols: append([]string(nil), t.Columns...),
			rows: t.Rows,
		}
		res.Provenance = append(res.Provenance, frames[idx].ref)
	}
	if len(frames) == 0 {
		return res, fmt.Errorf("plan names no target sheets")
	}

	working := frames[p.TargetSheets[0]]
	for _, j := range p.Joins {
		left, ok := frames[j.LeftSheet]
		if !ok {
			return res, fmt.Errorf("join references sheet %d outside target_sheets", j.LeftSheet)
		}
		right, ok := frames[j.RightSheet]
		if !ok {
			return res, fmt.Errorf("join references sheet %d outside target_sheets", j.RightSheet)
		}
		merged, err := e.join(left, right, j)
		if err != nil {
			return res, err
		}
		frames[j.LeftSheet] = merged
		delete(frames, j.RightSheet)
		working = merged
	}

	filters := append([]plan.Filter(nil), p.Filters...)
	filters = rebindEntity(filters, entity, working)

	rows := applyExclusions(working, exclusions)

	for _, f := range filters {
		col := resolveColumn(working.cols, f.Column)
		if col < 0 {
			return res, fmt.Errorf("column %q not found; available columns: %s", f.Column, strings.Join(working.cols, ", "))
		}
		kept, err := applyFilter(rows, col, f)
		if err != nil {
			return res, err
		}
		res.FilterMatches[working.cols[col]] = FilterMatch{Op: string(f.Op), Value: f.Value, Matched: len(kept)}
		rows = kept
	}

	res.RowsUsed = len(rows)
	res.SampleRows = sampleRows(working.cols, rows)
	res.ColumnsUsed = working.cols

	agg := p.Aggregation
	if agg == "" {
		agg = plan.AggList
	}
	value, err := e.aggregate(p, agg, working.cols, rows)
	if err != nil {
		return res, err
	}
	res.Value = value
	res.Aggregation = agg
	return res, nil
}

func (e *Executor) join(left, right *frame, j plan.Join) (*frame, error) {
	if len(left.rows) > e.maxJoinRows || len(right.rows) > e.maxJoinRows {
		return nil, fmt.Errorf("join refused: side exceeds %d rows", e.maxJoinRows)
	}
	li := resolveColumn(left.cols, j.LeftKey)
	if li < 0 {
		return nil, fmt.Errorf("join key %q not found; available columns: %s", j.LeftKey, strings.Join(left.cols, ", "))
	}
	ri := resolveColumn(right.cols, j.RightKey)
	if ri < 0 {
		return nil, fmt.Errorf("join key %q not found; available columns: %s", j.RightKey, strings.Join(right.cols, ", "))
	}

	cols := append([]string(nil), left.cols...)
	var rightKeep []int
	for i, c := range right.cols {
		if i == ri {
			continue
		}
		rightKeep = append(rightKeep, i)
		name := c
		if resolveExact(cols, name) >= 0 {
			name = name + "_right"
		}
		cols = append(cols, name)
	}

	index := make(map[string][]int)
	for i, row := range right.rows {
		index[cellKey(row, ri)] = append(index[cellKey(row, ri)], i)
	}

	emptyRight := make([]string, len(rightKeep))
	var out [][]string
	matchedRight := make(map[int]bool)
	for _, lrow := range left.rows {
		matches := index[cellKey(lrow, li)]
		if len(matches) == 0 {
			if j.JoinType == plan.JoinLeft || j.JoinType == plan.JoinOuter {
				out = append(out, joinRow(lrow, emptyRight, len(left.cols)))
			}
			continue
		}
		for _, rIdx := range matches {
			matchedRight[rIdx] = true
			out = append(out, joinRow(lrow, projectRow(right.rows[rIdx], rightKeep), len(left.cols)))
		}
	}
	if j.JoinType == plan.JoinRight || j.JoinType == plan.JoinOuter {
		emptyLeft := make([]string, len(left.cols))
		for i, rrow := range right.rows {
			if matchedRight[i] {
				continue
			}
			row := append([]string(nil), emptyLeft...)
			row[li] = cellAt(rrow, ri)
			out = append(out, append(row, projectRow(rrow, rightKeep)...))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("join on %q/%q produced zero rows", j.LeftKey, j.RightKey)
	}
	return &frame{ref: left.ref, cols: cols, rows: out}, nil
}

// rebindEntity makes sure a caller-supplied entity constrains the rows
// even when the planner forgot to filter on it.
func rebindEntity(filters []plan.Filter, entity string, f *frame) []plan.Filter {
	if strings.TrimSpace(entity) == "" {
		return filters
	}
	needle := strings.ToLower(strings.TrimSpace(entity))
	for _, fl := range filters {
		if s, ok := fl.Value.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return filters
		}
	}
	for _, c := range f.cols {
		if schema.IsAuthorityColumn(c) {
			return append(filters, plan.Filter{Column: c, Op: plan.OpContains, Value: entity})
		}
	}
	for i, c := range f.cols {
		for _, row := range f.rows {
			if strings.Contains(strings.ToLower(cellAt(row, i)), needle) {
				return append(filters, plan.Filter{Column: c, Op: plan.OpContains, Value: entity})
			}
		}
	}
	return filters
}

func applyExclusions(f *frame, exclusions []Exclusion) [][]string {
	rows := f.rows
	for _, ex := range exclusions {
		if len(ex.Terms) == 0 {
			continue
		}
		var cols []int
		if ex.Column != "" {
			if c := resolveColumn(f.cols, ex.Column); c >= 0 {
				cols = []int{c}
			}
		}
		if len(cols) == 0 {
			for i, name := range f.cols {
				if containsAny(name, "type", "category", "placement", "tier") {
					cols = append(cols, i)
				}
			}
		}
		if len(cols) == 0 {
			continue
		}
		var kept [][]string
		for _, row := range rows {
			excluded := false
			for _, c := range cols {
				cell := strings.ToLower(cellAt(row, c))
				for _, term := range ex.Terms {
					if term != "" && strings.Contains(cell, strings.ToLower(term)) {
						excluded = true
						break
					}
				}
				if excluded {
					break
				}
			}
			if !excluded {
				kept = append(kept, row)
			}
		}
		rows = kept
	}
	return rows
}

func applyFilter(rows [][]string, col int, f plan.Filter) ([][]string, error) {
	var kept [][]string
	switch f.Op {
	case plan.OpEq, plan.OpNeq:
		want := normCell(fmt.Sprint(f.Value))
		for _, row := range rows {
			eq := normCell(cellAt(row, col)) == want
			if !eq {
				if a, aok := parseNumeric(cellAt(row, col)); aok {
					if b, bok := parseNumeric(fmt.Sprint(f.Value)); bok {
						eq = a.Equal(b)
					}
				}
			}
			if eq == (f.Op == plan.OpEq) {
				kept = append(kept, row)
			}
		}
	case plan.OpIn:
		values, err := valueList(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter on %q: %w", f.Column, err)
		}
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[normCell(v)] = struct{}{}
		}
		for _, row := range rows {
			if _, ok := set[normCell(cellAt(row, col))]; ok {
				kept = append(kept, row)
			}
		}
	case plan.OpContains:
		needle := strings.ToLower(strings.TrimSpace(fmt.Sprint(f.Value)))
		for _, row := range rows {
			if strings.Contains(strings.ToLower(cellAt(row, col)), needle) {
				kept = append(kept, row)
			}
		}
	case plan.OpGt, plan.OpLt, plan.OpGte, plan.OpLte:
		target, ok := parseNumeric(fmt.Sprint(f.Value))
		if !ok {
			return nil, fmt.Errorf("filter on %q: value %v is not numeric", f.Column, f.Value)
		}
		for _, row := range rows {
			v, ok := parseNumeric(cellAt(row, col))
			if !ok {
				continue
			}
			cmp := v.Cmp(target)
			keep := false
			switch f.Op {
			case plan.OpGt:
				keep = cmp > 0
			case plan.OpLt:
				keep = cmp < 0
			case plan.OpGte:
				keep = cmp >= 0
			case plan.OpLte:
				keep = cmp <= 0
			}
			if keep {
				kept = append(kept, row)
			}
		}
	case plan.OpBetween:
		values, err := valueList(f.Value)
		if err != nil || len(values) != 2 {
			return nil, fmt.Errorf("filter on %q: between needs exactly two bounds", f.Column)
		}
		lo, lok := parseNumeric(values[0])
		hi, hok := parseNumeric(values[1])
		if !lok || !hok {
			return nil, fmt.Errorf("filter on %q: between bounds must be numeric", f.Column)
		}
		for _, row := range rows {
			v, ok := parseNumeric(cellAt(row, col))
			if !ok {
				continue
			}
			if v.Cmp(lo) >= 0 && v.Cmp(hi) <= 0 {
				kept = append(kept, row)
			}
		}
	default:
		return nil, fmt.Errorf("filter on %q: unsupported operator %q", f.Column, f.Op)
	}
	return kept, nil
}

func (e *Executor) aggregate(p plan.ExecutionPlan, agg plan.Aggregation, cols []string, rows [][]string) (interface{}, error) {
	switch agg {
	case plan.AggCount:
		if len(p.GroupBy) > 0 {
			return groupCount(p, cols, rows)
		}
		return len(rows), nil
	case plan.AggSum, plan.AggMean, plan.AggMin, plan.AggMax:
		col, err := numericColumn(p, cols, rows)
		if err != nil {
			return nil, err
		}
		if len(p.GroupBy) > 0 {
			return groupNumeric(p, agg, col, cols, rows)
		}
		v, ok := foldNumeric(agg, col, rows)
		if !ok {
			return nil, fmt.Errorf("no numeric values in column %q", cols[col])
		}
		return FormatDecimal(v), nil
	case plan.AggLookup:
		if len(rows) == 0 {
			return nil, nil
		}
		return rowMap(cols, rows[0]), nil
	case plan.AggList:
		out := rows
		out = sortRows(out, cols, p.SortBy, p.SortOrder)
		if p.TopN > 0 && len(out) > p.TopN {
			out = out[:p.TopN]
		}
		if len(out) > e.maxListRows {
			out = out[:e.maxListRows]
		}
		maps := make([]map[string]string, len(out))
		for i, row := range out {
			maps[i] = rowMap(cols, row)
		}
		return maps, nil
	default:
		return nil, fmt.Errorf("unsupported aggregation %q", agg)
	}
}

func numericColumn(p plan.ExecutionPlan, cols []string, rows [][]string) (int, error) {
	for _, sel := range p.Select {
		if c := resolveColumn(cols, sel); c >= 0 {
			return c, nil
		}
	}
	grouped := make(map[int]bool)
	for _, g := range p.GroupBy {
		if c := resolveColumn(cols, g); c >= 0 {
			grouped[c] = true
		}
	}
	for i := range cols {
		if grouped[i] {
			continue
		}
		for _, row := range rows {
			if _, ok := parseNumeric(cellAt(row, i)); ok {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("no numeric column to aggregate; available columns: %s", strings.Join(cols, ", "))
}

func groupKeyCols(p plan.ExecutionPlan, cols []string) ([]int, error) {
	var keys []int
	for _, g := range p.GroupBy {
		c := resolveColumn(cols, g)
		if c < 0 {
			return nil, fmt.Errorf("groupby column %q not found; available columns: %s", g, strings.Join(cols, ", "))
		}
		keys = append(keys, c)
	}
	return keys, nil
}

func groupRows(keys []int, rows [][]string) (map[string][][]string, []string) {
	groups := make(map[string][][]string)
	var order []string
	for _, row := range rows {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = cellAt(row, k)
		}
		key := strings.Join(parts, " / ")
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}
	return groups, order
}

func groupCount(p plan.ExecutionPlan, cols []string, rows [][]string) (interface{}, error) {
	keys, err := groupKeyCols(p, cols)
	if err != nil {
		return nil, err
	}
	groups, order := groupRows(keys, rows)
	out := make(map[string]int, len(groups))
	for _, k := range order {
		out[k] = len(groups[k])
	}
	return out, nil
}

func groupNumeric(p plan.ExecutionPlan, agg plan.Aggregation, col int, cols []string, rows [][]string) (interface{}, error) {
	keys, err := groupKeyCols(p, cols)
	if err != nil {
		return nil, err
	}
	groups, order := groupRows(keys, rows)
	out := make(map[string]string, len(groups))
	for _, k := range order {
		if v, ok := foldNumeric(agg, col, groups[k]); ok {
			out[k] = FormatDecimal(v)
		}
	}
	return out, nil
}

func foldNumeric(agg plan.Aggregation, col int, rows [][]string) (decimal.Decimal, bool) {
	var acc decimal.Decimal
	count := 0
	for _, row := range rows {
		v, ok := parseNumeric(cellAt(row, col))
		if !ok {
			continue
		}
		if count == 0 {
			acc = v
		} else {
			switch agg {
			case plan.AggSum, plan.AggMean:
				acc = acc.Add(v)
			case plan.AggMin:
				if v.Cmp(acc) < 0 {
					acc = v
				}
			case plan.AggMax:
				if v.Cmp(acc) > 0 {
					acc = v
				}
			}
		}
		count++
	}
	if count == 0 {
		return decimal.Decimal{}, false
	}
	if agg == plan.AggMean {
		acc = acc.Div(decimal.NewFromInt(int64(count)))
	}
	return acc, true
}

func sortRows(rows [][]string, cols []string, sortBy, order string) [][]string {
	if sortBy == "" {
		return rows
	}
	col := resolveColumn(cols, sortBy)
	if col < 0 {
		return rows
	}
	out := append([][]string(nil), rows...)
	desc := order == "desc"
	sort.SliceStable(out, func(i, j int) bool {
		a, b := cellAt(out[i], col), cellAt(out[j], col)
		av, aok := parseNumeric(a)
		bv, bok := parseNumeric(b)
		var less bool
		if aok && bok {
			less = av.Cmp(bv) < 0
		} else {
			less = normCell(a) < normCell(b)
		}
		if desc {
			return !less
		}
		return less
	})
	return out
}

func sampleRows(cols []string, rows [][]string) []map[string]string {
	n := len(rows)
	if n > maxSampleRows {
		n = maxSampleRows
	}
	out := make([]map[string]string, 0, n)
	for _, row := range rows[:n] {
		out = append(out, rowMap(cols, row))
	}
	return out
}

func rowMap(cols []string, row []string) map[string]string {
	m := make(map[string]string, len(cols))
	for i, c := range cols {
		m[c] = cellAt(row, i)
	}
	return m
}

// resolveColumn finds a column by exact name, then by substring
// containment either way.
func resolveColumn(cols []string, name string) int {
	n := normCell(name)
	if n == "" {
		return -1
	}
	if c := resolveExact(cols, n); c >= 0 {
		return c
	}
	for i, c := range cols {
		cn := normCell(c)
		if strings.Contains(cn, n) || strings.Contains(n, cn) {
			return i
		}
	}
	return -1
}

func resolveExact(cols []string, name string) int {
	n := normCell(name)
	for i, c := range cols {
		if normCell(c) == n {
			return i
		}
	}
	return -1
}

var numericClean = strings.NewReplacer("£", "", "$", "", ",", "", "%", "", " ", "")

func parseNumeric(s string) (decimal.Decimal, bool) {
	s = numericClean.Replace(strings.TrimSpace(s))
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// FormatDecimal renders a decimal exactly as computed, trimming
// trailing fractional zeros instead of rounding.
func FormatDecimal(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

func valueList(v interface{}) ([]string, error) {
	switch vv := v.(type) {
	case []interface{}:
		out := make([]string, len(vv))
		for i, e := range vv {
			out[i] = fmt.Sprint(e)
		}
		return out, nil
	case []string:
		return vv, nil
	default:
		return nil, fmt.Errorf("expected a list value, got %T", v)
	}
}

func cellAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func cellKey(row []string, i int) string {
	return normCell(cellAt(row, i))
}

func normCell(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func joinRow(left, right []string, leftWidth int) []string {
	row := make([]string, leftWidth, leftWidth+len(right))
	copy(row, left)
	return append(row, right...)
}

func projectRow(row []string, keep []int) []string {
	out := make([]string, len(keep))
	for i, k := range keep {
		out[i] = cellAt(row, k)
	}
	return out
}

// Package plan defines the execution plan a planning model produces
// for tabular questions. Plans are untrusted input: they are validated
// against an embedded JSON Schema before anything executes them, and a
// plan that fails validation is rejected outright.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan_schema.json
var planSchemaJSON string

// Op is a filter operator. Only the enumerated set is executable.
type Op string

const (
	OpEq       Op = "=="
	OpNeq      Op = "!="
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpGt       Op = ">"
	OpLt       Op = "<"
	OpGte      Op = ">="
	OpLte      Op = "<="
	OpBetween  Op = "between"
)

// Aggregation names how the surviving rows collapse into a result.
type Aggregation string

const (
	AggSum    Aggregation = "sum"
	AggMean   Aggregation = "mean"
	AggAvg    Aggregation = "avg"
	AggMin    Aggregation = "min"
	AggMax    Aggregation = "max"
	AggCount  Aggregation = "count"
	AggLookup Aggregation = "lookup"
	AggList   Aggregation = "list"
)

// JoinType is an allow-listed join kind.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinOuter JoinType = "outer"
)

// Filter is one declared row predicate.
type Filter struct {
	Column string      `json:"column"`
	Op     Op          `json:"op"`
	Value  interface{} `json:"value"`
}

// Join combines two target sheets on a key pair.
type Join struct {
	LeftSheet  int      `json:"left_sheet"`
	RightSheet int      `json:"right_sheet"`
	LeftKey    string   `json:"left_key"`
	RightKey   string   `json:"right_key"`
	JoinType   JoinType `json:"join_type"`
}

// ExecutionPlan is the full deterministic recipe for one tabular
// answer. Sheet numbers index into the candidate table list the
// planner was shown.
type ExecutionPlan struct {
	TargetSheets          []int       `json:"target_sheets"`
	Filters               []Filter    `json:"filters,omitempty"`
	Select                []string    `json:"select,omitempty"`
	Aggregation           Aggregation `json:"aggregation,omitempty"`
	GroupBy               []string    `json:"groupby,omitempty"`
	SortBy                string      `json:"sort_by,omitempty"`
	SortOrder             string      `json:"sort_order,omitempty"`
	TopN                  int         `json:"top_n,omitempty"`
	Joins                 []Join      `json:"joins,omitempty"`
	NeedsClarification    bool        `json:"needs_clarification,omitempty"`
	ClarificationQuestion string      `json:"clarification_question,omitempty"`
}

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// Schema returns the compiled JSON Schema for execution plans.
func Schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// Validate checks raw JSON bytes against the plan schema.
func Validate(data []byte) error {
	schema, err := Schema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan does not match schema: %w", err)
	}
	return nil
}

// Parse extracts the JSON object from a raw model response, validates
// it, and decodes it into an ExecutionPlan. Any failure is final; the
// caller turns it into a clarification response rather than guessing.
func Parse(raw string) (ExecutionPlan, error) {
	var p ExecutionPlan
	data, err := extractJSON(raw)
	if err != nil {
		return p, err
	}
	if err := Validate(data); err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decoding plan: %w", err)
	}
	p.normalize()
	return p, nil
}

// extractJSON pulls the outermost JSON object out of model output that
// may wrap it in prose or a code fence.
func extractJSON(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in plan response")
	}
	return []byte(s[start : end+1]), nil
}

func (p *ExecutionPlan) normalize() {
	p.Aggregation = Aggregation(strings.ToLower(strings.TrimSpace(string(p.Aggregation))))
	if p.Aggregation == AggAvg {
		p.Aggregation = AggMean
	}
	p.SortOrder = strings.ToLower(strings.TrimSpace(p.SortOrder))
	for i := range p.Filters {
		p.Filters[i].Column = strings.ToLower(strings.TrimSpace(p.Filters[i].Column))
	}
	for i := range p.GroupBy {
		p.GroupBy[i] = strings.ToLower(strings.TrimSpace(p.GroupBy[i]))
	}
	for i := range p.Select {
		p.Select[i] = strings.ToLower(strings.TrimSpace(p.Select[i]))
	}
	p.SortBy = strings.ToLower(strings.TrimSpace(p.SortBy))
}

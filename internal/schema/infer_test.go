package schema

import (
	"strings"
	"testing"
)

func TestDetectHeaderRowSkipsTitleBanner(t *testing.T) {
	grid := [][]string{
		{"Fee schedule 2024", "", "", ""},
		{"", "", "", ""},
		{"Local Authority", "Age Band", "Standard Fee", "Notes"},
		{"Redbridge", "0-4", "812.50", ""},
		{"Havering", "5-10", "798.00", ""},
	}
	if got := DetectHeaderRow(grid); got != 2 {
		t.Fatalf("expected header row 2, got %d", got)
	}
}

func TestDetectHeaderRowTieResolvesEarliest(t *testing.T) {
	grid := [][]string{
		{"a", "b", "c"},
		{"d", "e", "f"},
	}
	if got := DetectHeaderRow(grid); got != 0 {
		t.Fatalf("expected earliest row on tie, got %d", got)
	}
}

func TestNormalizeColumns(t *testing.T) {
	raw := []string{"Local Authority ", "Fee (£/week)!", "", "Fee (£/week)!", "NaN"}
	got := NormalizeColumns(raw)
	want := []string{"local authority", "fee £/week", "col_2", "fee £/week_2", "col_4"}
	if len(got) != len(want) {
		t.Fatalf("expected %d names, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("column %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestHintFor(t *testing.T) {
	cases := map[string]ColumnHint{
		"standard fee":    HintCurrency,
		"weekly rate":     HintCurrency,
		"age band":        HintAge,
		"local authority": HintLocalAuthority,
		"la":              HintLocalAuthority,
		"effective from":  HintDate,
		"notes":           HintUnknown,
	}
	for name, want := range cases {
		if got := HintFor(name); got != want {
			t.Fatalf("HintFor(%q): expected %s, got %s", name, want, got)
		}
	}
}

func TestInferColumnsCountsNullsAndDistinct(t *testing.T) {
	names := []string{"local authority", "standard fee"}
	rows := [][]string{
		{"Redbridge", "812.50"},
		{"Havering", ""},
		{"Redbridge", "NaN"},
		{"", "790.00"},
	}
	cols := InferColumns(names, rows)
	if cols[0].DistinctCount != 2 {
		t.Fatalf("expected 2 distinct authorities, got %d", cols[0].DistinctCount)
	}
	if cols[0].NullFraction != 0.25 {
		t.Fatalf("expected null fraction 0.25, got %f", cols[0].NullFraction)
	}
	if cols[1].DistinctCount != 2 {
		t.Fatalf("expected 2 distinct fees, got %d", cols[1].DistinctCount)
	}
	if cols[1].NullFraction != 0.5 {
		t.Fatalf("expected null fraction 0.5, got %f", cols[1].NullFraction)
	}
}

func TestIsCoverageCandidate(t *testing.T) {
	accept := []string{
		"Redbridge",
		"Tower Hamlets",
		"North East Alliance",
		"redbridge council",
	}
	for _, v := range accept {
		if !IsCoverageCandidate(v) {
			t.Fatalf("expected %q to be a coverage candidate", v)
		}
	}
	reject := []string{
		"Standard",
		"standard fee",
		"0-4",
		"Band 3",
		"ab",
		strings.Repeat("x", 61),
		"NaN",
		"lowercase town",
	}
	for _, v := range reject {
		if IsCoverageCandidate(v) {
			t.Fatalf("expected %q to be rejected", v)
		}
	}
}

func TestExtractCoverageDedupesAndSorts(t *testing.T) {
	grid := [][]string{
		{"Local Authority", "Fee"},
		{"Redbridge", "812.50"},
		{"REDBRIDGE", "800.00"},
		{"Havering", "798.00"},
	}
	sheet, header, data := Infer(grid, "doc-1", "fees.xlsx", "Sheet1")
	if header != 0 {
		t.Fatalf("expected header row 0, got %d", header)
	}
	if len(data) != 3 {
		t.Fatalf("expected 3 data rows, got %d", len(data))
	}
	want := []string{"Havering", "Redbridge"}
	if len(sheet.Coverage) != len(want) {
		t.Fatalf("expected coverage %v, got %v", want, sheet.Coverage)
	}
	for i := range want {
		if sheet.Coverage[i] != want[i] {
			t.Fatalf("coverage %d: expected %q, got %q", i, want[i], sheet.Coverage[i])
		}
	}
}

func TestExtractCoverageCapped(t *testing.T) {
	grid := [][]string{{"Authority"}}
	letters := "abcdefghijklmnopqrs"
	for i := 0; i < len(letters); i++ {
		for j := 0; j < len(letters); j++ {
			grid = append(grid, []string{"Town" + string(letters[i]) + string(letters[j])})
		}
	}
	sheet, _, _ := Infer(grid, "doc-1", "big.xlsx", "Sheet1")
	if len(sheet.Coverage) != coverageCap {
		t.Fatalf("expected coverage capped at %d, got %d", coverageCap, len(sheet.Coverage))
	}
}

func TestEmbedText(t *testing.T) {
	s := Sheet{
		Filename:  "fees.xlsx",
		SheetName: "Standard",
		Coverage:  []string{"Havering", "Redbridge"},
		Columns: []ColumnInfo{
			{Name: "local authority", Hint: HintLocalAuthority, DistinctCount: 2, Samples: []string{"Redbridge", "Havering", "Barnet", "Ealing"}},
			{Name: "standard fee", Hint: HintCurrency, DistinctCount: 3},
		},
	}
	got := EmbedText(s)
	want := "FILE:fees.xlsx\n" +
		"SHEET:Standard\n" +
		"COVERAGE:Havering, Redbridge\n" +
		"COL:local authority|type=local_authority|uniq=2|ex=Redbridge, Havering, Barnet\n" +
		"COL:standard fee|type=currency|uniq=3|ex="
	if got != want {
		t.Fatalf("embed text mismatch:\n got: %q\nwant: %q", got, want)
	}
}

package match

import (
	"errors"
	"testing"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/tablestore"
)

func testMatcher() *Matcher {
	return New(config.MatchingConfig{
		FuzzyCutoff:     0.4,
		FuzzyCandidates: 5,
		ScanMaxRows:     2500,
		ScanMaxColumns:  60,
	})
}

func TestNormalizeStripsQualifiers(t *testing.T) {
	cases := map[string]string{
		"Redbridge Council":              "redbridge",
		"Tower Hamlets Borough":          "tower hamlets",
		"Havering LA":                    "havering",
		"Kent County":                    "kent",
		"Newham Local Authority":         "newham",
		"Barnet Council Local Authority": "barnet",
		"St. Helens":                     "st helens",
		"  Redbridge  ":                  "redbridge",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestMatchEntityExact(t *testing.T) {
	m := testMatcher()
	res, ok := m.MatchEntity("Redbridge Council", []string{"Havering", "Redbridge"})
	if !ok || res.Method != MethodExact || res.Value != "Redbridge" {
		t.Fatalf("expected exact match on Redbridge, got %+v (ok=%v)", res, ok)
	}
	if res.Suggestion != "" {
		t.Fatalf("exact match should not suggest, got %q", res.Suggestion)
	}
}

func TestMatchEntitySubstring(t *testing.T) {
	m := testMatcher()
	res, ok := m.MatchEntity("Hamlets", []string{"Tower Hamlets", "Redbridge"})
	if !ok || res.Method != MethodSubstring || res.Value != "Tower Hamlets" {
		t.Fatalf("expected substring match, got %+v (ok=%v)", res, ok)
	}
}

func TestMatchEntityFuzzySuggests(t *testing.T) {
	m := testMatcher()
	res, ok := m.MatchEntity("Redbrige", []string{"Redbridge", "Havering", "Barnet"})
	if !ok || res.Method != MethodFuzzy || res.Value != "Redbridge" {
		t.Fatalf("expected fuzzy match on Redbridge, got %+v (ok=%v)", res, ok)
	}
	if res.Suggestion != "Did you mean: Redbridge?" {
		t.Fatalf("expected did-you-mean suggestion, got %q", res.Suggestion)
	}
	if res.Score < 0.4 {
		t.Fatalf("fuzzy score below cutoff: %f", res.Score)
	}
}

func TestMatchEntityBelowCutoffFails(t *testing.T) {
	m := testMatcher()
	if res, ok := m.MatchEntity("Aberdeenshire", []string{"Kent"}); ok {
		t.Fatalf("expected no match, got %+v", res)
	}
}

func makeHit(ref string) engine.TableHit {
	return engine.TableHit{DocumentID: "doc-" + ref, Filename: ref + ".xlsx", SheetName: "Sheet1", RowStore: ref, Score: 0.8}
}

func TestRankTablesCoverageVerifiedFirst(t *testing.T) {
	m := testMatcher()
	hits := []engine.TableHit{makeHit("a"), makeHit("b")}
	coverage := func(h engine.TableHit) []string {
		if h.RowStore == "b" {
			return []string{"Redbridge", "Havering"}
		}
		return []string{"Kent", "Surrey"}
	}
	load := func(ref string, maxRows int) (tablestore.Table, error) {
		return tablestore.Table{}, errors.New("no store")
	}
	rank := m.RankTables([]string{"Redbridge"}, hits, coverage, load)
	if len(rank.Hits) != 2 || rank.Hits[0].RowStore != "b" {
		t.Fatalf("expected verified table first, got %+v", rank.Hits)
	}
	if !rank.Verified["b"] || rank.Verified["a"] {
		t.Fatalf("unexpected verification map: %+v", rank.Verified)
	}
	if rank.Fallback {
		t.Fatal("verified rank should not be a fallback")
	}
}

func TestRankTablesContentScanPromotes(t *testing.T) {
	m := testMatcher()
	hits := []engine.TableHit{makeHit("empty"), makeHit("scanned")}
	coverage := func(engine.TableHit) []string { return nil }
	load := func(ref string, maxRows int) (tablestore.Table, error) {
		if ref != "scanned" {
			return tablestore.Table{Columns: []string{"a"}, Rows: [][]string{{"nothing"}}}, nil
		}
		return tablestore.Table{
			Columns: []string{"local authority", "fee"},
			Rows:    [][]string{{"London Borough of Redbridge", "812.50"}},
		}, nil
	}
	rank := m.RankTables([]string{"Redbridge"}, hits, coverage, load)
	if rank.Hits[0].RowStore != "scanned" {
		t.Fatalf("expected scan-promoted table first, got %+v", rank.Hits)
	}
	if !rank.Verified["scanned"] {
		t.Fatal("scanned table should be verified")
	}
	if rank.Fallback {
		t.Fatal("scan promotion should clear the fallback flag")
	}
}

func TestRankTablesFallbackKeepsAllCandidates(t *testing.T) {
	m := testMatcher()
	hits := []engine.TableHit{makeHit("a"), makeHit("b")}
	coverage := func(engine.TableHit) []string { return []string{"Kent"} }
	load := func(ref string, maxRows int) (tablestore.Table, error) {
		return tablestore.Table{Columns: []string{"a"}, Rows: [][]string{{"nothing relevant"}}}, nil
	}
	rank := m.RankTables([]string{"Atlantis"}, hits, coverage, load)
	if !rank.Fallback {
		t.Fatal("expected fallback when nothing verifies")
	}
	if len(rank.Hits) != 2 {
		t.Fatalf("fallback must keep all candidates, got %d", len(rank.Hits))
	}
	if len(rank.Results) != 1 || rank.Results[0].Method != MethodNone {
		t.Fatalf("expected unmatched result for Atlantis, got %+v", rank.Results)
	}
}

package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/quorralabs/tabula/internal/engine"
)

type stubLLM struct {
	response string
	err      error
}

func (s *stubLLM) Complete(ctx context.Context, messages []engine.Message) (string, error) {
	return s.response, s.err
}

func (s *stubLLM) CompleteStream(ctx context.Context, messages []engine.Message) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, s.err
}

func TestAnalyzeParsesStructuredOutput(t *testing.T) {
	llm := &stubLLM{response: "```json\n" +
		`{"rewritten_query": "standard weekly fee Redbridge age 3", "entities": {"locations": ["Redbridge"], "age_ranges": ["0-4"], "domain_keywords": ["fee"]}, "intent": "lookup"}` +
		"\n```"}
	a := NewAnalyzer(llm, nil)
	qa := a.Analyze(context.Background(), "what about Redbridge?", nil)
	if qa.RewrittenQuery != "standard weekly fee Redbridge age 3" {
		t.Fatalf("unexpected rewrite: %q", qa.RewrittenQuery)
	}
	if len(qa.Entities.Locations) != 1 || qa.Entities.Locations[0] != "Redbridge" {
		t.Fatalf("unexpected locations: %v", qa.Entities.Locations)
	}
	if qa.Intent != IntentLookup {
		t.Fatalf("unexpected intent: %q", qa.Intent)
	}
}

func TestAnalyzeFallsBackOnProviderError(t *testing.T) {
	a := NewAnalyzer(&stubLLM{err: errors.New("provider down")}, nil)
	qa := a.Analyze(context.Background(), "What is the standard weekly fee for a 3 year old in Redbridge?", nil)
	if qa.Intent != IntentLookup {
		t.Fatalf("fallback intent must be lookup, got %q", qa.Intent)
	}
	if len(qa.Entities.AgeRanges) != 1 || qa.Entities.AgeRanges[0] != "0-4" {
		t.Fatalf("expected age band 0-4, got %v", qa.Entities.AgeRanges)
	}
	found := false
	for _, l := range qa.Entities.Locations {
		if l == "Redbridge" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Redbridge in locations, got %v", qa.Entities.Locations)
	}
}

func TestAnalyzeFallsBackOnMalformedOutput(t *testing.T) {
	a := NewAnalyzer(&stubLLM{response: "I think the answer is Redbridge"}, nil)
	qa := a.Analyze(context.Background(), "fees for 2024", nil)
	if qa.RewrittenQuery != "fees for 2024" {
		t.Fatalf("fallback must keep the original query, got %q", qa.RewrittenQuery)
	}
	if len(qa.Entities.Dates) == 0 || qa.Entities.Dates[0] != "2024" {
		t.Fatalf("expected 2024 extracted, got %v", qa.Entities.Dates)
	}
}

func TestBandForAge(t *testing.T) {
	cases := map[int]string{
		0: "0-4", 3: "0-4", 4: "0-4",
		5: "5-10", 10: "5-10",
		11: "11-15", 15: "11-15",
		16: "16-17", 17: "16-17",
		18: "", 42: "",
	}
	for age, want := range cases {
		if got := BandForAge(age); got != want {
			t.Fatalf("BandForAge(%d): expected %q, got %q", age, want, got)
		}
	}
}

func TestAgeBandsFromRange(t *testing.T) {
	bands := AgeBands("fees for children aged 3 to 12")
	if len(bands) != 2 || bands[0] != "0-4" || bands[1] != "11-15" {
		t.Fatalf("unexpected bands: %v", bands)
	}
}

func TestParseFeeKindGuardrail(t *testing.T) {
	cases := map[string]FeeKind{
		"standard weekly fee":                FeeStandard,
		"standard solo placement fee":        FeeSolo,
		"solo rate in Havering":              FeeSolo,
		"enhanced fee for teenagers":         FeeEnhanced,
		"complex needs placement":            FeeComplex,
		"core allowance":                     FeeCore,
		"what documents mention inspections": FeeAny,
	}
	for q, want := range cases {
		if got := ParseFeeKind(q); got != want {
			t.Fatalf("ParseFeeKind(%q): expected %q, got %q", q, want, got)
		}
	}
	ex := FeeStandard.Excludes()
	if len(ex) != 3 || ex[0] != "solo" {
		t.Fatalf("standard must exclude solo rows, got %v", ex)
	}
}

func TestShouldUseTables(t *testing.T) {
	if !ShouldUseTables("What is the weekly fee for Redbridge?") {
		t.Fatal("fee query should route to tables")
	}
	if ShouldUseTables("Summarise the safeguarding policy") {
		t.Fatal("policy question should not route to tables")
	}
}

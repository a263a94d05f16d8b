package validate

import (
	"strings"
	"testing"

	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/exec"
	"github.com/quorralabs/tabula/internal/plan"
)

func hit(doc, text string, score float64) engine.RetrievalHit {
	return engine.RetrievalHit{
		SourceID:      doc,
		Text:          text,
		Metadata:      map[string]string{"document_id": doc},
		AdjustedScore: score,
	}
}

func TestCheckGroundingFlagsUnsupportedNumbers(t *testing.T) {
	hits := []engine.RetrievalHit{
		hit("doc-1", "The standard weekly fee is £812.50 as of 2024.", 0.8),
	}
	issues, _ := CheckGrounding("The fee is £812.50, rising to £950.00 in 2025.", hits)
	kinds := make(map[string]int)
	for _, i := range issues {
		kinds[i.Kind]++
	}
	if kinds["unsupported_number"] == 0 {
		t.Fatalf("expected unsupported number issue, got %+v", issues)
	}
	if kinds["unsupported_year"] == 0 {
		t.Fatalf("expected unsupported year issue for 2025, got %+v", issues)
	}
}

func TestCheckGroundingCleanAnswer(t *testing.T) {
	hits := []engine.RetrievalHit{
		hit("doc-1", "Weekly fee £812.50 effective 2024.", 0.8),
	}
	issues, _ := CheckGrounding("The weekly fee is £812.50 (2024).", hits)
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

func TestCheckGroundingIgnoresSourceCitations(t *testing.T) {
	hits := []engine.RetrievalHit{
		hit("doc-1", "The standard weekly fee is £812.50.", 0.8),
	}
	issues, _ := CheckGrounding("According to Source 1, the fee is £812.50.", hits)
	if len(issues) != 0 {
		t.Fatalf("source citation must not count as a figure, got %+v", issues)
	}
}

func TestCheckGroundingNormalizesAmountForms(t *testing.T) {
	hits := []engine.RetrievalHit{
		hit("doc-1", "fee: 1,240.00 per week", 0.8),
	}
	issues, _ := CheckGrounding("The fee is £1240.", hits)
	if len(issues) != 0 {
		t.Fatalf("1,240.00 and £1240 should ground each other, got %+v", issues)
	}
}

func TestCheckGroundingCountsCrossDocumentConflicts(t *testing.T) {
	hits := []engine.RetrievalHit{
		hit("doc-1", "The weekly fee is £812.50.", 0.8),
		hit("doc-2", "The weekly fee is £790.00.", 0.7),
	}
	_, conflicts := CheckGrounding("", hits)
	if conflicts == 0 {
		t.Fatal("expected a cross-document amount conflict")
	}
}

func TestFreeTextConfidenceRewardsGroundedAnswers(t *testing.T) {
	hits := []engine.RetrievalHit{
		hit("doc-1", "standard weekly fee £812.50", 0.9),
		hit("doc-2", "fee schedule 2024", 0.8),
		hit("doc-3", "fees reviewed annually", 0.8),
	}
	score, _ := FreeTextConfidence(
		"what is the standard weekly fee",
		"The standard weekly fee is £812.50.",
		hits,
	)
	if score < DisclaimerThreshold {
		t.Fatalf("well-grounded answer should clear the threshold, got %f", score)
	}
}

func TestFreeTextConfidencePenalizesUncertainty(t *testing.T) {
	hits := []engine.RetrievalHit{hit("doc-1", "some text", 0.4)}
	withHedge, _ := FreeTextConfidence("q", "I could not find a definitive fee.", hits)
	without, _ := FreeTextConfidence("q", "The fee is fixed.", hits)
	if withHedge >= without {
		t.Fatalf("hedged answer must score lower: %f vs %f", withHedge, without)
	}
}

func TestApplyDisclaimer(t *testing.T) {
	out := ApplyDisclaimer("The fee is unknown.", 0.35, "evidence volume")
	if !strings.Contains(out, "confidence in this answer is low") || !strings.Contains(out, "evidence volume") {
		t.Fatalf("expected disclaimer naming weak factor, got %q", out)
	}
	clean := ApplyDisclaimer("The fee is £812.50.", 0.8, "query coverage")
	if strings.Contains(clean, "Note:") {
		t.Fatalf("high confidence must not add a disclaimer, got %q", clean)
	}
}

func TestTabularConfidenceZeroRowsShortCircuits(t *testing.T) {
	res := exec.Result{RowsUsed: 0, Aggregation: plan.AggSum}
	if got := TabularConfidence(0.95, res, 3); got != 0.1 {
		t.Fatalf("zero rows must score exactly 0.1, got %f", got)
	}
}

func TestTabularConfidenceSingletonDeterministicLookup(t *testing.T) {
	res := exec.Result{
		RowsUsed:    1,
		Aggregation: plan.AggCount,
		FilterMatches: map[string]exec.FilterMatch{
			"local authority": {Op: "contains", Value: "redbridge", Matched: 1},
			"age band":        {Op: "==", Value: "0-4", Matched: 1},
		},
	}
	// 0.2 base + 0.3 retrieval + 0.25 filters + 0.15 + 0.05 singleton + 0.1 deterministic
	got := TabularConfidence(0.82, res, 2)
	if got < 0.99 || got > 1.0 {
		t.Fatalf("expected near-max confidence, got %f", got)
	}
}

func TestTabularConfidencePartialFilterCredit(t *testing.T) {
	res := exec.Result{
		RowsUsed:    4,
		Aggregation: plan.AggList,
		FilterMatches: map[string]exec.FilterMatch{
			"local authority": {Op: "contains", Value: "redbridge", Matched: 4},
			"age band":        {Op: "==", Value: "99", Matched: 0},
		},
	}
	got := TabularConfidence(0.4, res, 2)
	// 0.2 + 0.1 retrieval tier + 0.125 partial filters + 0.15 rows
	want := 0.575
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/extract"
)

type stubEmbedder struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, s.err
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.queries = append(s.queries, text)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1}, nil
}

func (s *stubEmbedder) queried() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

type stubIndex struct {
	mu   sync.Mutex
	ks   []int
	hits []engine.IndexHit
}

func (s *stubIndex) Add(ctx context.Context, businessID string, items []engine.IndexItem) error {
	return nil
}

func (s *stubIndex) Query(ctx context.Context, businessID string, kind engine.IndexKind, vector []float32, k int, filter map[string]string) ([]engine.IndexHit, error) {
	s.mu.Lock()
	s.ks = append(s.ks, k)
	s.mu.Unlock()
	return s.hits, nil
}

func (s *stubIndex) Delete(ctx context.Context, businessID string, kind engine.IndexKind, filter map[string]string) error {
	return nil
}

func (s *stubIndex) Count(ctx context.Context, businessID string, kind engine.IndexKind) (int, error) {
	return len(s.hits), nil
}

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		MaxSources:       5,
		MinSimilarity:    0.3,
		MinTermOverlap:   0.1,
		EntityBonus:      0.1,
		MaxResults:       15,
		MaxEntityQueries: 2,
		PassTimeout:      5 * time.Second,
	}
}

func mkHits(doc string, n int) []engine.IndexHit {
	out := make([]engine.IndexHit, n)
	for i := range out {
		out[i] = engine.IndexHit{
			ID:         fmt.Sprintf("%s-%d", doc, i),
			Text:       fmt.Sprintf("chunk %d of %s", i, doc),
			Metadata:   map[string]string{"document_id": doc},
			Similarity: 0.8,
		}
	}
	return out
}

func TestRetrieveBroadPassSize(t *testing.T) {
	emb := &stubEmbedder{}
	idx := &stubIndex{hits: mkHits("doc-1", 3)}
	o := NewOrchestrator(emb, idx, nil, testConfig(), nil)
	o.Retrieve(context.Background(), "biz", engine.KindChunk, extract.QueryAnalysis{RewrittenQuery: "weekly fee"})

	found := false
	for _, k := range idx.ks {
		if k == 30 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a broad pass of max(4*5, 30)=30, got ks %v", idx.ks)
	}
}

func TestRetrieveEntityPassesCappedAtTwo(t *testing.T) {
	emb := &stubEmbedder{}
	idx := &stubIndex{hits: mkHits("doc-1", 2)}
	o := NewOrchestrator(emb, idx, nil, testConfig(), nil)
	qa := extract.QueryAnalysis{
		RewrittenQuery: "weekly fee",
		Entities: extract.Entities{
			Locations:      []string{"Redbridge"},
			DomainKeywords: []string{"fee"},
			AgeRanges:      []string{"0-4"},
		},
	}
	o.Retrieve(context.Background(), "biz", engine.KindChunk, qa)

	entityQueries := 0
	for _, q := range emb.queried() {
		if q != "weekly fee" && !strings.HasPrefix(q, "confirm verify ") {
			entityQueries++
		}
	}
	if entityQueries != 2 {
		t.Fatalf("expected exactly 2 entity passes, got %d (%v)", entityQueries, emb.queried())
	}
}

func TestRetrieveConfirmationPassGating(t *testing.T) {
	// Single document: no confirmation pass.
	emb := &stubEmbedder{}
	idx := &stubIndex{hits: mkHits("doc-1", 4)}
	o := NewOrchestrator(emb, idx, nil, testConfig(), nil)
	o.Retrieve(context.Background(), "biz", engine.KindChunk, extract.QueryAnalysis{RewrittenQuery: "weekly fee"})
	for _, q := range emb.queried() {
		if strings.HasPrefix(q, "confirm verify ") {
			t.Fatalf("confirmation pass must not run for a single document, queries %v", emb.queried())
		}
	}

	// Two documents: confirmation pass runs.
	emb2 := &stubEmbedder{}
	idx2 := &stubIndex{hits: append(mkHits("doc-1", 2), mkHits("doc-2", 2)...)}
	o2 := NewOrchestrator(emb2, idx2, nil, testConfig(), nil)
	o2.Retrieve(context.Background(), "biz", engine.KindChunk, extract.QueryAnalysis{RewrittenQuery: "weekly fee"})
	confirmed := false
	for _, q := range emb2.queried() {
		if q == "confirm verify weekly fee" {
			confirmed = true
		}
	}
	if !confirmed {
		t.Fatalf("expected a confirmation pass, queries %v", emb2.queried())
	}
}

func TestRetrieveDeduplicates(t *testing.T) {
	emb := &stubEmbedder{}
	idx := &stubIndex{hits: []engine.IndexHit{
		{ID: "c-1", Text: "same chunk", Similarity: 0.9},
		{ID: "c-1", Text: "same chunk", Similarity: 0.9},
		{ID: "", Text: strings.Repeat("x", 60), Similarity: 0.8},
		{ID: "", Text: strings.Repeat("x", 55), Similarity: 0.7},
	}}
	o := NewOrchestrator(emb, idx, nil, testConfig(), nil)
	hits := o.Retrieve(context.Background(), "biz", engine.KindChunk, extract.QueryAnalysis{RewrittenQuery: "q"})
	if len(hits) != 2 {
		t.Fatalf("expected 2 deduplicated hits, got %d", len(hits))
	}
}

func TestRetrieveFallsBackToKeywordIndex(t *testing.T) {
	kw, err := NewKeywordIndex()
	if err != nil {
		t.Fatalf("creating keyword index: %v", err)
	}
	item := engine.IndexItem{
		ID:       "c-1",
		Kind:     engine.KindChunk,
		Text:     "The standard weekly fostering fee for Redbridge is 812.50",
		Metadata: map[string]string{"document_id": "doc-1"},
	}
	if err := kw.Add("biz", item); err != nil {
		t.Fatalf("adding keyword doc: %v", err)
	}
	emb := &stubEmbedder{err: errors.New("embedding provider down")}
	o := NewOrchestrator(emb, &stubIndex{}, kw, testConfig(), nil)
	hits := o.Retrieve(context.Background(), "biz", engine.KindChunk, extract.QueryAnalysis{RewrittenQuery: "weekly fostering fee"})
	if len(hits) == 0 {
		t.Fatal("expected keyword fallback hits when embedding fails")
	}
	if hits[0].SourceID != "c-1" {
		t.Fatalf("unexpected fallback hit: %+v", hits[0])
	}
}

func TestRerankThresholdsAndBoost(t *testing.T) {
	cfg := testConfig()
	hits := []engine.RetrievalHit{
		{SourceID: "low-sim", Text: "weekly fee schedule", Similarity: 0.2},
		{SourceID: "no-overlap", Text: "completely unrelated content here", Similarity: 0.9},
		{SourceID: "plain", Text: "the weekly fee is reviewed", Similarity: 0.6},
		{SourceID: "boosted", Text: "weekly fee for Redbridge", Similarity: 0.6},
	}
	out := Rerank(cfg, "weekly fee", []string{"Redbridge"}, hits)
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving hits, got %d: %+v", len(out), out)
	}
	if out[0].SourceID != "boosted" {
		t.Fatalf("entity-boosted hit must rank first, got %q", out[0].SourceID)
	}
	if diff := out[0].AdjustedScore - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected adjusted score 0.7, got %f", out[0].AdjustedScore)
	}
}

func TestRerankCapsResults(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResults = 3
	var hits []engine.RetrievalHit
	for i := 0; i < 10; i++ {
		hits = append(hits, engine.RetrievalHit{
			SourceID:   fmt.Sprintf("c-%d", i),
			Text:       "weekly fee entry",
			Similarity: 0.5,
		})
	}
	out := Rerank(cfg, "weekly fee", nil, hits)
	if len(out) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(out))
	}
}

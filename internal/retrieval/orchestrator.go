// Package retrieval runs the multi-pass semantic search over chunk and
// sheet indexes and reranks the merged results.
package retrieval

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/extract"
)

// Orchestrator issues up to three retrieval passes per query: a broad
// pass, entity-focused passes, and a confirmation pass gated on the
// merged results already spanning more than one document. Passes run
// concurrently; a failed non-primary pass degrades ranking, not the
// query.
type Orchestrator struct {
	embedder engine.Embedder
	index    engine.VectorIndex
	keyword  *KeywordIndex
	cfg      config.RetrievalConfig
	logger   *log.Logger
}

func NewOrchestrator(embedder engine.Embedder, index engine.VectorIndex, keyword *KeywordIndex, cfg config.RetrievalConfig, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Orchestrator{embedder: embedder, index: index, keyword: keyword, cfg: cfg, logger: logger}
}

// Retrieve runs the pass plan against one index kind and returns hits
// sorted by raw similarity descending, deduplicated across passes.
func (o *Orchestrator) Retrieve(ctx context.Context, businessID string, kind engine.IndexKind, qa extract.QueryAnalysis) []engine.RetrievalHit {
	broadK := 4 * o.cfg.MaxSources
	if broadK < 30 {
		broadK = 30
	}

	queries := []struct {
		text string
		k    int
	}{{qa.RewrittenQuery, broadK}}

	entityGroups := [][]string{qa.Entities.Locations, qa.Entities.DomainKeywords, qa.Entities.AgeRanges}
	added := 0
	for _, group := range entityGroups {
		if len(group) == 0 || added >= o.cfg.MaxEntityQueries {
			continue
		}
		queries = append(queries, struct {
			text string
			k    int
		}{qa.RewrittenQuery + " " + strings.Join(group, " "), 2 * o.cfg.MaxSources})
		added++
	}

	merged := o.runPasses(ctx, businessID, kind, queries)

	if countDocuments(merged) > 1 {
		confirm := o.runPasses(ctx, businessID, kind, []struct {
			text string
			k    int
		}{{"confirm verify " + qa.RewrittenQuery, o.cfg.MaxSources}})
		merged = append(merged, confirm...)
		merged = dedupe(merged)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Similarity > merged[j].Similarity })
	return merged
}

func (o *Orchestrator) runPasses(ctx context.Context, businessID string, kind engine.IndexKind, queries []struct {
	text string
	k    int
}) []engine.RetrievalHit {
	results := make([][]engine.RetrievalHit, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, text string, k int) {
			defer wg.Done()
			passCtx, cancel := context.WithTimeout(ctx, o.cfg.PassTimeout)
			defer cancel()
			hits, err := o.singlePass(passCtx, businessID, kind, text, k)
			if err != nil {
				o.logger.Printf("retrieval pass %d failed: %v", i, err)
				return
			}
			results[i] = hits
		}(i, q.text, q.k)
	}
	wg.Wait()

	var merged []engine.RetrievalHit
	for _, r := range results {
		merged = append(merged, r...)
	}
	return dedupe(merged)
}

func (o *Orchestrator) singlePass(ctx context.Context, businessID string, kind engine.IndexKind, query string, k int) ([]engine.RetrievalHit, error) {
	vector, err := o.embedder.EmbedQuery(ctx, query)
	if err != nil {
		// Degraded mode: keyword search keeps retrieval alive when the
		// embedding provider is down.
		if o.keyword != nil {
			o.logger.Printf("embedding failed, falling back to keyword search: %v", err)
			return o.keyword.Search(businessID, kind, query, k)
		}
		return nil, err
	}
	ixHits, err := o.index.Query(ctx, businessID, kind, vector, k, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]engine.RetrievalHit, len(ixHits))
	for i, h := range ixHits {
		hits[i] = engine.RetrievalHit{
			SourceID:   h.ID,
			Text:       h.Text,
			Metadata:   h.Metadata,
			Similarity: h.Similarity,
		}
	}
	return hits, nil
}

// dedupe drops repeated hits across passes, keyed by id or by the
// first 50 characters of text when the id is empty.
func dedupe(hits []engine.RetrievalHit) []engine.RetrievalHit {
	seen := make(map[string]struct{}, len(hits))
	out := make([]engine.RetrievalHit, 0, len(hits))
	for _, h := range hits {
		key := h.SourceID
		if key == "" {
			key = h.Text
			if len(key) > 50 {
				key = key[:50]
			}
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

func countDocuments(hits []engine.RetrievalHit) int {
	docs := make(map[string]struct{})
	for _, h := range hits {
		doc := h.SourceID
		if d, ok := h.Metadata["document_id"]; ok {
			doc = d
		}
		docs[doc] = struct{}{}
	}
	return len(docs)
}

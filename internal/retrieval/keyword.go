package retrieval

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/quorralabs/tabula/internal/engine"
)

type keywordDoc struct {
	Business string `json:"business"`
	Kind     string `json:"kind"`
	Text     string `json:"text"`
}

// KeywordIndex is an in-memory BM25 index over the same corpus as the
// vector index. It backs retrieval when the embedding provider is
// unavailable; similarity is a bounded transform of the bleve score,
// so reranking thresholds still apply.
type KeywordIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]map[string]string
}

func NewKeywordIndex() (*KeywordIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating keyword index: %w", err)
	}
	return &KeywordIndex{index: index, meta: make(map[string]map[string]string)}, nil
}

// Add indexes one item for keyword search.
func (k *KeywordIndex) Add(businessID string, item engine.IndexItem) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	doc := keywordDoc{Business: businessID, Kind: string(item.Kind), Text: item.Text}
	if err := k.index.Index(item.ID, doc); err != nil {
		return fmt.Errorf("indexing %s: %w", item.ID, err)
	}
	k.meta[item.ID] = item.Metadata
	return nil
}

// Delete removes an item by id.
func (k *KeywordIndex) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.meta, id)
	return k.index.Delete(id)
}

// Search returns keyword hits shaped like retrieval hits. Scores decay
// by rank so downstream thresholds behave.
func (k *KeywordIndex) Search(businessID string, kind engine.IndexKind, query string, limit int) ([]engine.RetrievalHit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit*3, 0, false)
	req.Fields = []string{"business", "kind", "text"}
	res, err := k.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	var hits []engine.RetrievalHit
	for rank, h := range res.Hits {
		if field(h.Fields, "business") != businessID || field(h.Fields, "kind") != string(kind) {
			continue
		}
		hits = append(hits, engine.RetrievalHit{
			SourceID:   h.ID,
			Text:       field(h.Fields, "text"),
			Metadata:   k.meta[h.ID],
			Similarity: rankScore(rank),
		})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

func field(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

// rankScore maps result rank onto (0.3, 0.75] so keyword hits clear
// the similarity floor but never outrank strong vector hits.
func rankScore(rank int) float64 {
	s := 0.75 - 0.05*float64(rank)
	if s < 0.35 {
		s = 0.35
	}
	return s
}

package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/quorralabs/tabula/internal/engine"
)

type memoryItem struct {
	engine.IndexItem
	businessID string
}

// MemoryIndex is an in-process engine.VectorIndex for development and
// tests. Cosine similarity over a flat slice; fine for small corpora.
type MemoryIndex struct {
	mu    sync.RWMutex
	items []memoryItem
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

func (m *MemoryIndex) Add(ctx context.Context, businessID string, items []engine.IndexItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		replaced := false
		for i := range m.items {
			if m.items[i].ID == item.ID {
				m.items[i] = memoryItem{IndexItem: item, businessID: businessID}
				replaced = true
				break
			}
		}
		if !replaced {
			m.items = append(m.items, memoryItem{IndexItem: item, businessID: businessID})
		}
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, businessID string, kind engine.IndexKind, vector []float32, k int, filter map[string]string) ([]engine.IndexHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []engine.IndexHit
	for _, item := range m.items {
		if item.businessID != businessID || item.Kind != kind {
			continue
		}
		if !matchesFilter(item.Metadata, filter) {
			continue
		}
		hits = append(hits, engine.IndexHit{
			ID:         item.ID,
			Text:       item.Text,
			Metadata:   item.Metadata,
			Similarity: cosine(vector, item.Vector),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, businessID string, kind engine.IndexKind, filter map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, item := range m.items {
		if item.businessID == businessID && item.Kind == kind && matchesFilter(item.Metadata, filter) {
			continue
		}
		kept = append(kept, item)
	}
	m.items = kept
	return nil
}

func (m *MemoryIndex) Count(ctx context.Context, businessID string, kind engine.IndexKind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, item := range m.items {
		if item.businessID == businessID && item.Kind == kind {
			n++
		}
	}
	return n, nil
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

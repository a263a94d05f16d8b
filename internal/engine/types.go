package engine

import (
	"context"
	"time"
)

// Chunk is a bounded span of extracted document text, independently
// embedded and retrievable. Chunks are immutable once created and are
// deleted together with their owning document.
type Chunk struct {
	ID         string        `json:"id"`
	BusinessID string        `json:"business_id"`
	DocumentID string        `json:"document_id"`
	Text       string        `json:"text"`
	Metadata   ChunkMetadata `json:"metadata"`
	Embedding  []float32     `json:"-"`
}

// ChunkMetadata carries provenance for a chunk.
type ChunkMetadata struct {
	Filename   string `json:"filename"`
	ChunkIndex int    `json:"chunk_index"`
	Page       int    `json:"page,omitempty"`
}

// RetrievalHit is a transient, per-query retrieval result ranked by
// AdjustedScore descending.
type RetrievalHit struct {
	SourceID      string            `json:"source_id"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Similarity    float64           `json:"similarity_score"`
	AdjustedScore float64           `json:"adjusted_score"`
}

// TableHit is a retrieved table sheet candidate.
type TableHit struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	SheetName  string  `json:"sheet_name"`
	RowStore   string  `json:"row_store_ref"`
	SchemaRef  string  `json:"schema_ref"`
	Score      float64 `json:"score"`
}

// Source is a citation surfaced alongside an answer.
type Source struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Page         int     `json:"page,omitempty"`
	ChunkText    string  `json:"chunk_text"`
	Relevance    float64 `json:"relevance_score"`
}

// Answer is the final response for a query.
type Answer struct {
	Answer             string                 `json:"answer"`
	Sources            []Source               `json:"sources"`
	Confidence         float64                `json:"confidence"`
	NeedsClarification bool                   `json:"needs_clarification,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	ResponseTime       time.Duration          `json:"-"`
}

// StreamEvent is one element of a streaming answer. The stream is
// terminated by a final "sources" event.
type StreamEvent struct {
	Type    string      `json:"type"` // answer | sources
	Content interface{} `json:"content"`
}

// Message is a single turn handed to the language-model provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMProvider is the narrow contract for the language-model collaborator.
type LLMProvider interface {
	// Complete generates a full response for the given messages.
	Complete(ctx context.Context, messages []Message) (string, error)

	// CompleteStream yields incremental text on the returned channel. The
	// channel is closed when generation finishes or ctx is cancelled.
	CompleteStream(ctx context.Context, messages []Message) (<-chan string, error)
}

// Embedder is the narrow contract for the embedding collaborator.
type Embedder interface {
	// EmbedDocuments embeds a batch of document texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// IndexKind distinguishes the two retrievable corpora held by a VectorIndex.
type IndexKind string

const (
	KindChunk IndexKind = "chunk"
	KindSheet IndexKind = "sheet"
)

// IndexItem is a document handed to a VectorIndex for storage.
type IndexItem struct {
	ID       string
	Kind     IndexKind
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// IndexHit is a nearest-neighbour result from a VectorIndex.
type IndexHit struct {
	ID         string
	Text       string
	Metadata   map[string]string
	Similarity float64
}

// VectorIndex is the keyed chunk/sheet vector index. Implementations are
// selected at construction time; business logic never branches on the
// backing store.
type VectorIndex interface {
	Add(ctx context.Context, businessID string, items []IndexItem) error
	Query(ctx context.Context, businessID string, kind IndexKind, vector []float32, k int, filter map[string]string) ([]IndexHit, error)
	Delete(ctx context.Context, businessID string, kind IndexKind, filter map[string]string) error
	Count(ctx context.Context, businessID string, kind IndexKind) (int, error)
}

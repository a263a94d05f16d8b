// Package rag answers free-text questions over the chunk corpus and
// routes tabular questions to the table pipeline.
package rag

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/extract"
	"github.com/quorralabs/tabula/internal/retrieval"
	"github.com/quorralabs/tabula/internal/store"
	"github.com/quorralabs/tabula/internal/telemetry"
	"github.com/quorralabs/tabula/internal/validate"
)

// Mode overrides the automatic routing between the two corpora.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeDocuments Mode = "documents"
	ModeTables    Mode = "tables"
)

// ParseMode maps a request parameter onto a routing mode. Unknown or
// empty values mean auto.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDocuments:
		return ModeDocuments
	case ModeTables:
		return ModeTables
	default:
		return ModeAuto
	}
}

// ChunkRetriever runs the multi-pass retrieval over the chunk index.
type ChunkRetriever interface {
	Retrieve(ctx context.Context, businessID string, kind engine.IndexKind, qa extract.QueryAnalysis) []engine.RetrievalHit
}

// TableAnswerer is the table pipeline. A (nil, nil) return means the
// question is not tabular, not that the answer is unknown.
type TableAnswerer interface {
	AnswerFromTables(ctx context.Context, businessID, query string, convCtx store.ConversationContext) (*engine.Answer, error)
}

// Request carries one question through the service.
type Request struct {
	BusinessID   string
	Query        string
	History      []engine.Message
	MaxSources   int
	Mode         Mode
	Conversation store.ConversationContext
}

// Service is the top-level answering engine.
type Service struct {
	llm       engine.LLMProvider
	embedder  engine.Embedder
	index     engine.VectorIndex
	keyword   *retrieval.KeywordIndex
	retriever ChunkRetriever
	tables    TableAnswerer
	analyzer  *extract.Analyzer
	cfg       config.RetrievalConfig
	metrics   *telemetry.Metrics
	logger    *log.Logger
}

func New(
	llm engine.LLMProvider,
	embedder engine.Embedder,
	index engine.VectorIndex,
	keyword *retrieval.KeywordIndex,
	retriever ChunkRetriever,
	tables TableAnswerer,
	analyzer *extract.Analyzer,
	cfg config.RetrievalConfig,
	metrics *telemetry.Metrics,
	logger *log.Logger,
) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[RAG] ", log.LstdFlags)
	}
	return &Service{
		llm:       llm,
		embedder:  embedder,
		index:     index,
		keyword:   keyword,
		retriever: retriever,
		tables:    tables,
		analyzer:  analyzer,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

const answerSystemPrompt = `You are an assistant that answers questions from business documents.

Rules:
1. Answer using ONLY the information in the provided context.
2. Cite sources by number, e.g. "According to Source 1...".
3. If the answer is not in the context, say you don't have that information.
4. Be concise but complete; synthesize multiple sources where relevant.

Never invent figures that are not in the sources.`

// IngestChunks embeds pre-extracted text chunks and adds them to both
// the vector index and the keyword index. Chunks for a document are
// replaced wholesale.
func (s *Service) IngestChunks(ctx context.Context, businessID, documentID, filename string, texts []string) (int, error) {
	if len(texts) == 0 {
		return 0, nil
	}
	if err := s.index.Delete(ctx, businessID, engine.KindChunk, map[string]string{"document_id": documentID}); err != nil {
		return 0, fmt.Errorf("clearing prior chunks: %w", err)
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(texts), len(vectors))
	}
	items := make([]engine.IndexItem, len(texts))
	for i, text := range texts {
		items[i] = engine.IndexItem{
			ID:     uuid.NewString(),
			Kind:   engine.KindChunk,
			Text:   text,
			Vector: vectors[i],
			Metadata: map[string]string{
				"document_id": documentID,
				"filename":    filename,
				"chunk_index": fmt.Sprintf("%d", i),
			},
		}
	}
	if err := s.index.Add(ctx, businessID, items); err != nil {
		return 0, fmt.Errorf("indexing chunks: %w", err)
	}
	if s.keyword != nil {
		for _, it := range items {
			if err := s.keyword.Add(businessID, it); err != nil {
				s.logger.Printf("keyword indexing %s failed: %v", it.ID, err)
			}
		}
	}
	return len(items), nil
}

// DeleteDocument removes a document's chunks from both indexes.
func (s *Service) DeleteDocument(ctx context.Context, businessID, documentID string) error {
	return s.index.Delete(ctx, businessID, engine.KindChunk, map[string]string{"document_id": documentID})
}

// Answer resolves one question: table pipeline first when the query
// looks tabular (or the mode forces it), free-text retrieval otherwise.
func (s *Service) Answer(ctx context.Context, req Request) (*engine.Answer, error) {
	started := time.Now()

	if req.Mode != ModeDocuments && s.tables != nil {
		ans, err := s.tables.AnswerFromTables(ctx, req.BusinessID, req.Query, req.Conversation)
		if err != nil {
			return nil, err
		}
		if ans != nil {
			return ans, nil
		}
		if req.Mode == ModeTables {
			return &engine.Answer{
				Answer:             "I couldn't find tabular data for that question. Could you name the spreadsheet or ask about its contents?",
				Confidence:         0.1,
				NeedsClarification: true,
				ResponseTime:       time.Since(started),
			}, nil
		}
	}

	qa := s.analyzer.Analyze(ctx, req.Query, req.History)
	hits := s.retriever.Retrieve(ctx, req.BusinessID, engine.KindChunk, qa)
	hits = retrieval.Rerank(s.cfg, req.Query, entityTerms(qa), hits)
	maxSources := req.MaxSources
	if maxSources <= 0 {
		maxSources = s.cfg.MaxSources
	}
	if len(hits) > maxSources {
		hits = hits[:maxSources]
	}
	s.metrics.RecordRetrieval(len(hits))

	if len(hits) == 0 {
		return &engine.Answer{
			Answer:       "I don't have any documents that cover this question yet. Please upload the relevant documents first.",
			Confidence:   0.1,
			Metadata:     map[string]interface{}{"mode": "documents", "retrieved_docs": 0},
			ResponseTime: time.Since(started),
		}, nil
	}

	messages := s.buildMessages(req.Query, formatContext(hits), req.History)
	answer, err := s.llm.Complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	answer, grounded := s.verifyAnswer(ctx, messages, answer, hits)

	confidence, weakFactor := validate.FreeTextConfidence(req.Query, answer, hits)
	if !grounded {
		if confidence > 0.4 {
			confidence = 0.4
		}
		weakFactor = "grounding in the retrieved sources"
	}
	answer = validate.ApplyDisclaimer(answer, confidence, weakFactor)

	return &engine.Answer{
		Answer:     answer,
		Sources:    chunkSources(hits),
		Confidence: confidence,
		Metadata: map[string]interface{}{
			"mode":           "documents",
			"retrieved_docs": len(hits),
			"grounded":       grounded,
		},
		ResponseTime: time.Since(started),
	}, nil
}

// AnswerStream streams the free-text answer as it is generated. The
// stream always ends with a single sources event. Tabular questions are
// answered whole, then streamed as one event.
func (s *Service) AnswerStream(ctx context.Context, req Request) (<-chan engine.StreamEvent, error) {
	out := make(chan engine.StreamEvent)

	if req.Mode != ModeDocuments && s.tables != nil {
		ans, err := s.tables.AnswerFromTables(ctx, req.BusinessID, req.Query, req.Conversation)
		if err != nil {
			return nil, err
		}
		if ans == nil && req.Mode == ModeTables {
			fixed, ferr := s.Answer(ctx, req)
			if ferr != nil {
				return nil, ferr
			}
			ans = fixed
		}
		if ans != nil {
			go func() {
				defer close(out)
				emit(ctx, out, engine.StreamEvent{Type: "answer", Content: ans.Answer})
				emit(ctx, out, engine.StreamEvent{Type: "sources", Content: ans.Sources})
			}()
			return out, nil
		}
	}

	qa := s.analyzer.Analyze(ctx, req.Query, req.History)
	hits := s.retriever.Retrieve(ctx, req.BusinessID, engine.KindChunk, qa)
	hits = retrieval.Rerank(s.cfg, req.Query, entityTerms(qa), hits)
	maxSources := req.MaxSources
	if maxSources <= 0 {
		maxSources = s.cfg.MaxSources
	}
	if len(hits) > maxSources {
		hits = hits[:maxSources]
	}
	s.metrics.RecordRetrieval(len(hits))

	if len(hits) == 0 {
		go func() {
			defer close(out)
			emit(ctx, out, engine.StreamEvent{Type: "answer", Content: "I don't have any documents that cover this question yet. Please upload the relevant documents first."})
			emit(ctx, out, engine.StreamEvent{Type: "sources", Content: []engine.Source{}})
		}()
		return out, nil
	}

	tokens, err := s.llm.CompleteStream(ctx, s.buildMessages(req.Query, formatContext(hits), req.History))
	if err != nil {
		return nil, fmt.Errorf("starting answer stream: %w", err)
	}
	go func() {
		defer close(out)
		for tok := range tokens {
			if !emit(ctx, out, engine.StreamEvent{Type: "answer", Content: tok}) {
				return
			}
		}
		emit(ctx, out, engine.StreamEvent{Type: "sources", Content: chunkSources(hits)})
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- engine.StreamEvent, ev engine.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// verifyAnswer checks numeric grounding and runs one bounded correction
// pass. When the correction still fails, the original answer is kept
// and the caller forces the confidence down.
func (s *Service) verifyAnswer(ctx context.Context, messages []engine.Message, answer string, hits []engine.RetrievalHit) (string, bool) {
	issues, conflicts := validate.CheckGrounding(answer, hits)
	if len(issues) == 0 && conflicts == 0 {
		return answer, true
	}
	s.logger.Printf("grounding check: %d issues, %d cross-document conflicts", len(issues), conflicts)

	var problems []string
	for _, is := range issues {
		problems = append(problems, fmt.Sprintf("%s %q is not present in any source", is.Kind, is.Token))
	}
	if conflicts > 0 {
		problems = append(problems, fmt.Sprintf("%d figures differ between source documents; state which document each figure comes from", conflicts))
	}
	correction := append(append([]engine.Message{}, messages...),
		engine.Message{Role: "assistant", Content: answer},
		engine.Message{Role: "user", Content: "Your answer has grounding problems:\n- " + strings.Join(problems, "\n- ") + "\nRewrite the answer using only figures that appear verbatim in the context."},
	)
	revised, err := s.llm.Complete(ctx, correction)
	if err != nil {
		s.logger.Printf("correction pass failed: %v", err)
		return answer, false
	}
	if reIssues, reConflicts := validate.CheckGrounding(revised, hits); len(reIssues) == 0 && reConflicts == 0 {
		return revised, true
	}
	return answer, false
}

func (s *Service) buildMessages(query, context string, history []engine.Message) []engine.Message {
	messages := []engine.Message{{Role: "system", Content: answerSystemPrompt}}
	if n := len(history); n > 5 {
		history = history[n-5:]
	}
	messages = append(messages, history...)
	messages = append(messages, engine.Message{
		Role: "user",
		Content: fmt.Sprintf("Context from business documents:\n\n%s\nQuestion: %s\n\nAnswer using the context above and cite your sources.",
			context, query),
	})
	return messages
}

func formatContext(hits []engine.RetrievalHit) string {
	var b strings.Builder
	for i, h := range hits {
		name := h.Metadata["filename"]
		if name == "" {
			name = "Unknown"
		}
		pageInfo := ""
		if p := h.Metadata["page"]; p != "" {
			pageInfo = fmt.Sprintf(" (Page %s)", p)
		}
		fmt.Fprintf(&b, "[Source %d: %s%s]\n%s\n\n", i+1, name, pageInfo, h.Text)
	}
	return b.String()
}

func entityTerms(qa extract.QueryAnalysis) []string {
	var out []string
	out = append(out, qa.Entities.Locations...)
	out = append(out, qa.Entities.DomainKeywords...)
	out = append(out, qa.Entities.AgeRanges...)
	return out
}

func chunkSources(hits []engine.RetrievalHit) []engine.Source {
	out := make([]engine.Source, 0, len(hits))
	for _, h := range hits {
		text := h.Text
		if len(text) > 300 {
			text = text[:300] + "..."
		}
		src := engine.Source{
			DocumentID:   h.Metadata["document_id"],
			DocumentName: h.Metadata["filename"],
			ChunkText:    text,
			Relevance:    h.AdjustedScore,
		}
		fmt.Sscanf(h.Metadata["page"], "%d", &src.Page)
		out = append(out, src)
	}
	return out
}

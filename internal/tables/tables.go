// Package tables ingests spreadsheet-derived grids and answers tabular
// questions: retrieve candidate sheets, verify entities, plan with the
// model, then execute the plan deterministically.
package tables

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/exec"
	"github.com/quorralabs/tabula/internal/extract"
	"github.com/quorralabs/tabula/internal/match"
	"github.com/quorralabs/tabula/internal/schema"
	"github.com/quorralabs/tabula/internal/store"
	"github.com/quorralabs/tabula/internal/tablestore"
	"github.com/quorralabs/tabula/internal/validate"
)

const ingestLeaseTTL = 2 * time.Minute

// Catalog is the sheet registry surface the service needs.
type Catalog interface {
	ListSheets(ctx context.Context, businessID string) ([]store.SheetRecord, error)
	UpsertSheet(ctx context.Context, businessID string, sheet schema.Sheet, rowStoreRef string) (string, error)
	DeleteSheetsForDocument(ctx context.Context, documentID string) error
}

// RowStore is the on-disk row store surface the service needs.
type RowStore interface {
	Save(t tablestore.Table) (string, error)
	Load(ref string) (tablestore.Table, error)
	LoadBounded(ref string, maxRows int) (tablestore.Table, error)
	DeleteDocument(documentID string) error
}

// SheetRetriever runs the multi-pass retrieval over the sheet index.
type SheetRetriever interface {
	Retrieve(ctx context.Context, businessID string, kind engine.IndexKind, qa extract.QueryAnalysis) []engine.RetrievalHit
}

// Service wires the table pipeline together.
type Service struct {
	catalog   Catalog
	rows      RowStore
	index     engine.VectorIndex
	embedder  engine.Embedder
	llm       engine.LLMProvider
	retriever SheetRetriever
	analyzer  *extract.Analyzer
	matcher   *match.Matcher
	executor  *exec.Executor
	redis     *redis.Client
	cfg       config.TablesConfig
	logger    *log.Logger
}

func NewService(
	catalog Catalog,
	rows RowStore,
	index engine.VectorIndex,
	embedder engine.Embedder,
	llm engine.LLMProvider,
	retriever SheetRetriever,
	analyzer *extract.Analyzer,
	matcher *match.Matcher,
	executor *exec.Executor,
	redisClient *redis.Client,
	cfg config.TablesConfig,
	logger *log.Logger,
) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[TABLES] ", log.LstdFlags)
	}
	return &Service{
		catalog:   catalog,
		rows:      rows,
		index:     index,
		embedder:  embedder,
		llm:       llm,
		retriever: retriever,
		analyzer:  analyzer,
		matcher:   matcher,
		executor:  executor,
		redis:     redisClient,
		cfg:       cfg,
		logger:    logger,
	}
}

// NamedGrid is one sheet's raw cells with its sheet name.
type NamedGrid struct {
	Name string
	Grid [][]string
}

// IngestResult reports what an ingest attempt accomplished.
type IngestResult struct {
	Success        bool     `json:"success"`
	SheetsIngested int      `json:"sheets_ingested"`
	Sheets         []string `json:"sheets"`
	Errors         []string `json:"errors,omitempty"`
}

// LoadCSV reads a CSV file into a raw grid. Ragged rows are allowed;
// schema inference deals with them.
func LoadCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	grid, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return grid, nil
}

// IngestTable loads a CSV file from disk and ingests it as a single
// sheet named after the file.
func (s *Service) IngestTable(ctx context.Context, businessID, documentID, filename, path string) (IngestResult, error) {
	grid, err := LoadCSV(path)
	if err != nil {
		return IngestResult{}, err
	}
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	return s.IngestGrids(ctx, businessID, documentID, filename, []NamedGrid{{Name: name, Grid: grid}})
}

// IngestGrids replaces a document's sheets with the given grids. A
// failing sheet is recorded and skipped; siblings still ingest.
// Re-ingestion of the same document is serialized by a redis lease.
func (s *Service) IngestGrids(ctx context.Context, businessID, documentID, filename string, grids []NamedGrid) (IngestResult, error) {
	res := IngestResult{}

	if s.redis != nil {
		lease, ok, err := tablestore.AcquireLease(ctx, s.redis, documentID, ingestLeaseTTL)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, fmt.Errorf("document %s is already being ingested", documentID)
		}
		defer lease.Release(ctx)
	}

	// Idempotent replace: prior sheets, embeddings, and row stores go
	// before the new ones land.
	if err := s.catalog.DeleteSheetsForDocument(ctx, documentID); err != nil {
		return res, fmt.Errorf("clearing prior sheets: %w", err)
	}
	if err := s.index.Delete(ctx, businessID, engine.KindSheet, map[string]string{"document_id": documentID}); err != nil {
		return res, fmt.Errorf("clearing prior sheet embeddings: %w", err)
	}
	if err := s.rows.DeleteDocument(documentID); err != nil {
		return res, fmt.Errorf("clearing prior row stores: %w", err)
	}

	for _, g := range grids {
		if err := s.ingestSheet(ctx, businessID, documentID, filename, g); err != nil {
			s.logger.Printf("sheet %q of %s failed: %v", g.Name, documentID, err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", g.Name, err))
			continue
		}
		res.SheetsIngested++
		res.Sheets = append(res.Sheets, g.Name)
	}
	res.Success = res.SheetsIngested > 0 || len(grids) == 0
	return res, nil
}

// DeleteDocument removes a document's sheets from the registry, the
// embedding index, and the on-disk row store.
func (s *Service) DeleteDocument(ctx context.Context, businessID, documentID string) error {
	if err := s.catalog.DeleteSheetsForDocument(ctx, documentID); err != nil {
		return fmt.Errorf("removing sheet records: %w", err)
	}
	if err := s.index.Delete(ctx, businessID, engine.KindSheet, map[string]string{"document_id": documentID}); err != nil {
		return fmt.Errorf("removing sheet embeddings: %w", err)
	}
	return s.rows.DeleteDocument(documentID)
}

func (s *Service) ingestSheet(ctx context.Context, businessID, documentID, filename string, g NamedGrid) error {
	sheet, _, data := schema.Infer(g.Grid, documentID, filename, g.Name)
	if len(sheet.Columns) == 0 {
		return fmt.Errorf("no columns detected")
	}
	ref, err := s.rows.Save(tablestore.Table{
		DocumentID: documentID,
		Filename:   filename,
		SheetName:  g.Name,
		Columns:    columnNames(sheet.Columns),
		Rows:       data,
	})
	if err != nil {
		return err
	}
	if _, err := s.catalog.UpsertSheet(ctx, businessID, sheet, ref); err != nil {
		return fmt.Errorf("registering sheet: %w", err)
	}

	text := schema.EmbedText(sheet)
	vectors, err := s.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil || len(vectors) == 0 {
		return fmt.Errorf("embedding sheet schema: %w", err)
	}
	item := engine.IndexItem{
		ID:     "sheet:" + ref,
		Kind:   engine.KindSheet,
		Text:   text,
		Vector: vectors[0],
		Metadata: map[string]string{
			"document_id":   documentID,
			"filename":      filename,
			"sheet_name":    g.Name,
			"row_store_ref": ref,
		},
	}
	return s.index.Add(ctx, businessID, []engine.IndexItem{item})
}

func columnNames(cols []schema.ColumnInfo) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// AnswerFromTables answers a tabular question. It returns (nil, nil)
// when the query does not look tabular or the tenant has no sheets;
// that outcome is distinct from a low-confidence answer.
func (s *Service) AnswerFromTables(ctx context.Context, businessID, query string, convCtx store.ConversationContext) (*engine.Answer, error) {
	if !extract.ShouldUseTables(query) {
		return nil, nil
	}
	records, err := s.catalog.ListSheets(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	started := time.Now()
	qa := s.analyzer.Analyze(ctx, query, nil)

	hits := s.retriever.Retrieve(ctx, businessID, engine.KindSheet, qa)
	candidates := tableHits(hits, records)
	if len(candidates) > s.cfg.MaxSheetHits {
		candidates = candidates[:s.cfg.MaxSheetHits]
	}
	if len(candidates) == 0 {
		// Retrieval found nothing; fall back to every registered sheet
		// rather than reporting no data.
		for _, r := range records {
			candidates = append(candidates, engine.TableHit{
				DocumentID: r.DocumentID,
				Filename:   r.Filename,
				SheetName:  r.SheetName,
				RowStore:   r.RowStoreRef,
				Score:      0.2,
			})
			if len(candidates) >= s.cfg.MaxSheetHits {
				break
			}
		}
	}

	entities := qa.Entities.Locations
	if len(entities) == 0 && convCtx.LastAuthority != "" {
		entities = []string{convCtx.LastAuthority}
	}

	coverageByRef := make(map[string][]string, len(records))
	for _, r := range records {
		coverageByRef[r.RowStoreRef] = r.Schema.Coverage
	}
	rank := s.matcher.RankTables(entities, candidates,
		func(h engine.TableHit) []string { return coverageByRef[h.RowStore] },
		s.rows.LoadBounded,
	)

	feeKind := extract.ParseFeeKind(query)
	if feeKind == extract.FeeAny && convCtx.LastFeeType != "" {
		feeKind = extract.FeeKind(convCtx.LastFeeType)
	}

	p, err := s.planQuery(ctx, query, qa, rank.Hits, records)
	if err != nil {
		s.logger.Printf("planning failed for %q: %v", query, err)
		return clarification(started, "I couldn't work out how to answer that from the available tables. Could you rephrase the question or name the spreadsheet and column?"), nil
	}
	if p.NeedsClarification {
		q := p.ClarificationQuestion
		if q == "" {
			q = "Could you clarify which table or value you mean?"
		}
		return clarification(started, q), nil
	}

	tables := make([]tablestore.Table, len(rank.Hits))
	for i, h := range rank.Hits {
		t, err := s.rows.Load(h.RowStore)
		if err != nil {
			return clarification(started, fmt.Sprintf("I couldn't load the data for %s. Please re-upload the document.", h.Filename)), nil
		}
		tables[i] = t
	}

	entity := ""
	if len(entities) > 0 {
		entity = entities[0]
	}
	var exclusions []exec.Exclusion
	if terms := feeKind.Excludes(); len(terms) > 0 {
		exclusions = append(exclusions, exec.Exclusion{Terms: terms})
	}

	result, err := s.executor.Execute(p, tables, entity, exclusions)
	if err != nil {
		s.logger.Printf("execution failed for %q: %v", query, err)
		return clarification(started, fmt.Sprintf("I couldn't compute that: %v. Could you rephrase the question?", err)), nil
	}

	topScore := 0.0
	if len(rank.Hits) > 0 {
		topScore = rank.Hits[0].Score
	}
	confidence := validate.TabularConfidence(topScore, result, len(p.Filters))

	if result.RowsUsed == 0 {
		// No rows means the fixed floor, never adjusted further.
		ans := clarification(started, noRowsQuestion(entity, rank))
		ans.Confidence = confidence
		return ans, nil
	}

	if rank.Fallback {
		// Nothing verified the entity anywhere; keep the answer but at
		// a sharply reduced weight.
		confidence *= 0.5
	}

	text := formatResult(result)
	for _, r := range rank.Results {
		if r.Suggestion != "" {
			text += "\n" + r.Suggestion
			break
		}
	}

	ans := &engine.Answer{
		Answer:     text,
		Confidence: confidence,
		Sources:    provenanceSources(result, rank.Hits),
		Metadata: map[string]interface{}{
			"rows_used":      result.RowsUsed,
			"aggregation":    string(result.Aggregation),
			"filter_matches": result.FilterMatches,
			"sample_rows":    result.SampleRows,
			"fee_kind":       string(feeKind),
		},
		ResponseTime: time.Since(started),
	}
	return ans, nil
}

func noRowsQuestion(entity string, rank match.TableRank) string {
	if entity != "" {
		for _, r := range rank.Results {
			if r.Suggestion != "" {
				return fmt.Sprintf("I couldn't find any rows for %q. %s", entity, r.Suggestion)
			}
		}
		return fmt.Sprintf("I couldn't find any rows for %q in the available tables. Could you check the name or tell me which document to look in?", entity)
	}
	return "The filters matched no rows in the available tables. Could you rephrase the question or relax a constraint?"
}

func clarification(started time.Time, question string) *engine.Answer {
	return &engine.Answer{
		Answer:             question,
		Confidence:         0.1,
		NeedsClarification: true,
		ResponseTime:       time.Since(started),
	}
}

// tableHits converts sheet-index retrieval hits into table candidates
// using the registry for anything metadata missed.
func tableHits(hits []engine.RetrievalHit, records []store.SheetRecord) []engine.TableHit {
	byRef := make(map[string]store.SheetRecord, len(records))
	for _, r := range records {
		byRef[r.RowStoreRef] = r
	}
	var out []engine.TableHit
	for _, h := range hits {
		ref := h.Metadata["row_store_ref"]
		if ref == "" {
			ref = strings.TrimPrefix(h.SourceID, "sheet:")
		}
		rec, ok := byRef[ref]
		if !ok {
			continue
		}
		out = append(out, engine.TableHit{
			DocumentID: rec.DocumentID,
			Filename:   rec.Filename,
			SheetName:  rec.SheetName,
			RowStore:   rec.RowStoreRef,
			SchemaRef:  rec.ID,
			Score:      h.Similarity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func provenanceSources(res exec.Result, hits []engine.TableHit) []engine.Source {
	byDoc := make(map[string]engine.TableHit, len(hits))
	for _, h := range hits {
		byDoc[h.DocumentID] = h
	}
	var out []engine.Source
	for _, p := range res.Provenance {
		name := p.Filename
		if p.SheetName != "" {
			name = fmt.Sprintf("%s (%s)", p.Filename, p.SheetName)
		}
		src := engine.Source{DocumentID: p.DocumentID, DocumentName: name}
		if h, ok := byDoc[p.DocumentID]; ok {
			src.Relevance = h.Score
		}
		out = append(out, src)
	}
	return out
}

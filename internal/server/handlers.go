package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/extract"
	"github.com/quorralabs/tabula/internal/rag"
	"github.com/quorralabs/tabula/internal/store"
	"github.com/quorralabs/tabula/internal/tables"
	"github.com/quorralabs/tabula/internal/telemetry"
)

type queryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	MaxSources     int    `json:"max_sources,omitempty"`
	Mode           string `json:"mode,omitempty"` // auto | documents | tables
}

type queryResponse struct {
	Answer             string                 `json:"answer"`
	Sources            []engine.Source        `json:"sources"`
	Confidence         float64                `json:"confidence"`
	NeedsClarification bool                   `json:"needs_clarification,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	ConversationID     string                 `json:"conversation_id,omitempty"`
	ResponseTimeMs     int64                  `json:"response_time_ms"`
}

// QueryHandler answers questions over the tenant's documents and tables.
type QueryHandler struct {
	Rag     *rag.Service
	Store   *store.Store
	Metrics *telemetry.Metrics
	Logger  *log.Logger
}

func (h *QueryHandler) Register(g *echo.Group, streamEnabled bool) {
	g.POST("/query", h.query)
	if streamEnabled {
		g.GET("/query/stream", h.queryStream)
	}
}

func (h *QueryHandler) query(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	ctx := c.Request().Context()
	biz := businessID(c)

	convCtx, history := h.conversationState(c, req.ConversationID)

	ans, err := h.Rag.Answer(ctx, rag.Request{
		BusinessID:   biz,
		Query:        req.Query,
		History:      history,
		MaxSources:   req.MaxSources,
		Mode:         rag.ParseMode(req.Mode),
		Conversation: convCtx,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	h.recordTurn(c, req.ConversationID, req.Query, ans)
	route := "documents"
	if ans.Metadata == nil || ans.Metadata["mode"] != "documents" {
		route = "tables"
	}
	h.Metrics.RecordAnswer(route, ans.ResponseTime.Seconds(), ans.Confidence, ans.NeedsClarification)

	return c.JSON(http.StatusOK, queryResponse{
		Answer:             ans.Answer,
		Sources:            ans.Sources,
		Confidence:         ans.Confidence,
		NeedsClarification: ans.NeedsClarification,
		Metadata:           ans.Metadata,
		ConversationID:     req.ConversationID,
		ResponseTimeMs:     ans.ResponseTime.Milliseconds(),
	})
}

// queryStream streams the answer via Server-Sent Events. Each model
// token arrives as an "answer" event; the stream ends with one
// "sources" event.
func (h *QueryHandler) queryStream(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("query"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	conversationID := c.QueryParam("conversation_id")
	ctx := c.Request().Context()
	biz := businessID(c)

	convCtx, history := h.conversationState(c, conversationID)

	events, err := h.Rag.AnswerStream(ctx, rag.Request{
		BusinessID:   biz,
		Query:        query,
		History:      history,
		Mode:         rag.ParseMode(c.QueryParam("mode")),
		Conversation: convCtx,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	var answer strings.Builder
	for ev := range events {
		if ev.Type == "answer" {
			if s, ok := ev.Content.(string); ok {
				answer.WriteString(s)
			}
		}
		if err := writeSSE(resp, flusher, ev); err != nil {
			return nil // client went away
		}
	}
	h.recordTurn(c, conversationID, query, &engine.Answer{Answer: answer.String()})
	return nil
}

func writeSSE(resp *echo.Response, flusher http.Flusher, ev engine.StreamEvent) error {
	data, err := json.Marshal(ev.Content)
	if err != nil {
		return err
	}
	if _, err := resp.Write([]byte("event: " + ev.Type + "\n")); err != nil {
		return err
	}
	if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// conversationState loads history and the sticky authority/fee context
// for follow-up questions. A missing or unknown conversation id means a
// fresh exchange.
func (h *QueryHandler) conversationState(c echo.Context, conversationID string) (store.ConversationContext, []engine.Message) {
	if conversationID == "" || h.Store == nil {
		return store.ConversationContext{}, nil
	}
	ctx := c.Request().Context()
	convCtx, err := h.Store.GetConversationContext(ctx, conversationID)
	if err != nil {
		h.Logger.Printf("conversation %s context load failed: %v", conversationID, err)
		return store.ConversationContext{}, nil
	}
	msgs, err := h.Store.ListMessages(ctx, conversationID, 10)
	if err != nil {
		h.Logger.Printf("conversation %s history load failed: %v", conversationID, err)
		return convCtx, nil
	}
	history := make([]engine.Message, len(msgs))
	for i, m := range msgs {
		history[i] = engine.Message{Role: m.Role, Content: m.Content}
	}
	return convCtx, history
}

// recordTurn appends both sides of the exchange and refreshes the
// sticky context from the user's own words.
func (h *QueryHandler) recordTurn(c echo.Context, conversationID, query string, ans *engine.Answer) {
	if conversationID == "" || h.Store == nil {
		return
	}
	ctx := c.Request().Context()
	if err := h.Store.AppendMessage(ctx, conversationID, "user", query); err != nil {
		h.Logger.Printf("conversation %s append failed: %v", conversationID, err)
		return
	}
	if err := h.Store.AppendMessage(ctx, conversationID, "assistant", ans.Answer); err != nil {
		h.Logger.Printf("conversation %s append failed: %v", conversationID, err)
	}

	update := store.ConversationContext{}
	if locs := extract.Fallback(query).Entities.Locations; len(locs) > 0 {
		update.LastAuthority = locs[0]
	}
	if kind := extract.ParseFeeKind(query); kind != extract.FeeAny {
		update.LastFeeType = string(kind)
	}
	if update.LastAuthority != "" || update.LastFeeType != "" {
		if err := h.Store.UpdateConversationContext(ctx, conversationID, update); err != nil {
			h.Logger.Printf("conversation %s context update failed: %v", conversationID, err)
		}
	}
}

// DocumentsHandler manages documents, their text chunks, and their
// table sheets.
type DocumentsHandler struct {
	Store   *store.Store
	Rag     *rag.Service
	Tables  *tables.Service
	Metrics *telemetry.Metrics
	Logger  *log.Logger
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("/documents", h.create)
	g.GET("/documents", h.list)
	g.DELETE("/documents/:id", h.remove)
	g.POST("/documents/:id/table", h.ingestTable)
}

type createDocumentRequest struct {
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
	Chunks      []string `json:"chunks,omitempty"`
}

func (h *DocumentsHandler) create(c echo.Context) error {
	var req createDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename required")
	}
	ctx := c.Request().Context()
	biz := businessID(c)

	id, err := h.Store.CreateDocument(ctx, biz, req.Filename, req.ContentType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	indexed := 0
	if len(req.Chunks) > 0 {
		indexed, err = h.Rag.IngestChunks(ctx, biz, id, req.Filename, req.Chunks)
		if err != nil {
			_ = h.Store.UpdateDocumentStatus(ctx, id, "failed")
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		for i := 0; i < indexed; i++ {
			h.Metrics.ChunksIngested.Inc()
		}
	}
	if err := h.Store.UpdateDocumentStatus(ctx, id, "ready"); err != nil {
		h.Logger.Printf("document %s status update failed: %v", id, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":             id,
		"chunks_indexed": indexed,
	})
}

func (h *DocumentsHandler) list(c echo.Context) error {
	docs, err := h.Store.ListDocuments(c.Request().Context(), businessID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *DocumentsHandler) remove(c echo.Context) error {
	ctx := c.Request().Context()
	biz := businessID(c)
	id := c.Param("id")

	if err := h.Rag.DeleteDocument(ctx, biz, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Tables.DeleteDocument(ctx, biz, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.DeleteDocument(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type ingestTableRequest struct {
	Filename string `json:"filename"`
	Sheets   []struct {
		Name string     `json:"name"`
		Grid [][]string `json:"grid"`
	} `json:"sheets"`
}

func (h *DocumentsHandler) ingestTable(c echo.Context) error {
	var req ingestTableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Sheets) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one sheet required")
	}
	ctx := c.Request().Context()
	biz := businessID(c)
	id := c.Param("id")

	if _, err := h.Store.GetDocument(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}

	grids := make([]tables.NamedGrid, len(req.Sheets))
	for i, s := range req.Sheets {
		grids[i] = tables.NamedGrid{Name: s.Name, Grid: s.Grid}
	}
	res, err := h.Tables.IngestGrids(ctx, biz, id, req.Filename, grids)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	for i := 0; i < res.SheetsIngested; i++ {
		h.Metrics.SheetsIngested.Inc()
	}
	for range res.Errors {
		h.Metrics.IngestErrors.Inc()
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, res)
}

// ConversationsHandler manages conversation lifecycles.
type ConversationsHandler struct {
	Store *store.Store
}

func (h *ConversationsHandler) Register(g *echo.Group) {
	g.POST("/conversations", h.create)
	g.GET("/conversations/:id/messages", h.messages)
}

func (h *ConversationsHandler) create(c echo.Context) error {
	id, err := h.Store.CreateConversation(c.Request().Context(), businessID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id, "created_at": time.Now().UTC().Format(time.RFC3339)})
}

func (h *ConversationsHandler) messages(c echo.Context) error {
	msgs, err := h.Store.ListMessages(c.Request().Context(), c.Param("id"), 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, msgs)
}

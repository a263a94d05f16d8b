// Package store is the Postgres persistence layer: documents, the
// sheet registry, conversations, and the pgvector-backed embedding
// index.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/schema"
)

type Store struct {
	DB *sql.DB
}

func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Document operations

type Document struct {
	ID          string
	BusinessID  string
	Filename    string
	ContentType string
	Status      string
	CreatedAt   time.Time
}

func (s *Store) CreateDocument(ctx context.Context, businessID, filename, contentType string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO documents (business_id, filename, content_type, status) VALUES ($1,$2,$3,'pending') RETURNING id`,
		businessID, filename, contentType).Scan(&id)
	return id, err
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	var d Document
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, business_id, filename, content_type, status, created_at FROM documents WHERE id=$1`, id).
		Scan(&d.ID, &d.BusinessID, &d.Filename, &d.ContentType, &d.Status, &d.CreatedAt)
	return d, err
}

func (s *Store) ListDocuments(ctx context.Context, businessID string) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, business_id, filename, content_type, status, created_at FROM documents WHERE business_id=$1 ORDER BY created_at DESC`,
		businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.BusinessID, &d.Filename, &d.ContentType, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListAllDocumentIDs returns every document id across tenants. Used by
// the row-store sweeper.
func (s *Store) ListAllDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE documents SET status=$2 WHERE id=$1`, id, status)
	return err
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	return err
}

// Sheet registry operations

type SheetRecord struct {
	ID          string
	BusinessID  string
	DocumentID  string
	Filename    string
	SheetName   string
	RowCount    int
	Schema      schema.Sheet
	RowStoreRef string
	CreatedAt   time.Time
}

func (s *Store) UpsertSheet(ctx context.Context, businessID string, sheet schema.Sheet, rowStoreRef string) (string, error) {
	payload, err := json.Marshal(sheet)
	if err != nil {
		return "", fmt.Errorf("encoding sheet schema: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO table_sheets (business_id, document_id, filename, sheet_name, row_count, schema, row_store_ref)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (document_id, sheet_name) DO UPDATE SET
  filename = EXCLUDED.filename,
  row_count = EXCLUDED.row_count,
  schema = EXCLUDED.schema,
  row_store_ref = EXCLUDED.row_store_ref
RETURNING id`,
		businessID, sheet.DocumentID, sheet.Filename, sheet.SheetName, sheet.RowCount, payload, rowStoreRef).Scan(&id)
	return id, err
}

func (s *Store) ListSheets(ctx context.Context, businessID string) ([]SheetRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, business_id, document_id, filename, sheet_name, row_count, schema, row_store_ref, created_at
FROM table_sheets WHERE business_id=$1 ORDER BY created_at DESC`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SheetRecord
	for rows.Next() {
		rec, err := scanSheet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetSheetByRef(ctx context.Context, rowStoreRef string) (SheetRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, business_id, document_id, filename, sheet_name, row_count, schema, row_store_ref, created_at
FROM table_sheets WHERE row_store_ref=$1`, rowStoreRef)
	return scanSheet(row)
}

func (s *Store) DeleteSheetsForDocument(ctx context.Context, documentID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM table_sheets WHERE document_id=$1`, documentID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSheet(r rowScanner) (SheetRecord, error) {
	var rec SheetRecord
	var payload []byte
	if err := r.Scan(&rec.ID, &rec.BusinessID, &rec.DocumentID, &rec.Filename, &rec.SheetName,
		&rec.RowCount, &payload, &rec.RowStoreRef, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(payload, &rec.Schema); err != nil {
		return rec, fmt.Errorf("decoding sheet schema: %w", err)
	}
	return rec, nil
}

// Conversation operations

type ConversationContext struct {
	LastAuthority string
	LastFeeType   string
}

type ConversationMessage struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

func (s *Store) CreateConversation(ctx context.Context, businessID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO conversations (business_id) VALUES ($1) RETURNING id`, businessID).Scan(&id)
	return id, err
}

func (s *Store) GetConversationContext(ctx context.Context, id string) (ConversationContext, error) {
	var c ConversationContext
	var authority, feeType sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_authority, last_fee_type FROM conversations WHERE id=$1`, id).
		Scan(&authority, &feeType)
	if err != nil {
		return c, err
	}
	c.LastAuthority = authority.String
	c.LastFeeType = feeType.String
	return c, nil
}

// UpdateConversationContext remembers the last authority and fee type
// mentioned, so follow-up questions can resolve "what about solo?"
// style references. Empty values leave the stored context untouched.
func (s *Store) UpdateConversationContext(ctx context.Context, id string, c ConversationContext) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE conversations SET
  last_authority = COALESCE(NULLIF($2,''), last_authority),
  last_fee_type = COALESCE(NULLIF($3,''), last_fee_type),
  updated_at = NOW()
WHERE id=$1`, id, c.LastAuthority, c.LastFeeType)
	return err
}

func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO conversation_messages (conversation_id, role, content) VALUES ($1,$2,$3)`,
		conversationID, role, content)
	return err
}

// ListMessages returns the most recent messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT role, content, created_at FROM (
  SELECT role, content, created_at, id FROM conversation_messages
  WHERE conversation_id=$1 ORDER BY id DESC LIMIT $2
) recent ORDER BY id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

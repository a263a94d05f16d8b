package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/quorralabs/tabula/internal/engine"
)

// PgIndex implements engine.VectorIndex on top of the embeddings table
// using pgvector cosine distance.
type PgIndex struct {
	store *Store
}

func NewPgIndex(s *Store) *PgIndex {
	return &PgIndex{store: s}
}

func (p *PgIndex) Add(ctx context.Context, businessID string, items []engine.IndexItem) error {
	for _, item := range items {
		vectorLiteral, err := encodeVectorLiteral(item.Vector)
		if err != nil {
			return fmt.Errorf("encoding vector for %s: %w", item.ID, err)
		}
		meta, err := json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", item.ID, err)
		}
		_, err = p.store.DB.ExecContext(ctx, `
INSERT INTO embeddings (id, business_id, kind, text, metadata, embedding)
VALUES ($1,$2,$3,$4,$5,$6::vector)
ON CONFLICT (id) DO UPDATE SET
  text = EXCLUDED.text,
  metadata = EXCLUDED.metadata,
  embedding = EXCLUDED.embedding`,
			item.ID, businessID, string(item.Kind), item.Text, meta, vectorLiteral)
		if err != nil {
			return fmt.Errorf("inserting embedding %s: %w", item.ID, err)
		}
	}
	return nil
}

func (p *PgIndex) Query(ctx context.Context, businessID string, kind engine.IndexKind, vector []float32, k int, filter map[string]string) ([]engine.IndexHit, error) {
	vectorLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	query := `
SELECT id, text, metadata, embedding <=> $1::vector AS distance
FROM embeddings
WHERE business_id = $2 AND kind = $3`
	args := []interface{}{vectorLiteral, businessID, string(kind)}
	for key, value := range filter {
		args = append(args, key, value)
		query += fmt.Sprintf(" AND metadata->>$%d = $%d", len(args)-1, len(args))
	}
	args = append(args, k)
	query += fmt.Sprintf("\nORDER BY embedding <=> $1::vector\nLIMIT $%d", len(args))

	rows, err := p.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.IndexHit
	for rows.Next() {
		var hit engine.IndexHit
		var meta []byte
		var distance float64
		if err := rows.Scan(&hit.ID, &hit.Text, &meta, &distance); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &hit.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for %s: %w", hit.ID, err)
			}
		}
		hit.Similarity = 1 - distance
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (p *PgIndex) Delete(ctx context.Context, businessID string, kind engine.IndexKind, filter map[string]string) error {
	query := `DELETE FROM embeddings WHERE business_id = $1 AND kind = $2`
	args := []interface{}{businessID, string(kind)}
	for key, value := range filter {
		args = append(args, key, value)
		query += fmt.Sprintf(" AND metadata->>$%d = $%d", len(args)-1, len(args))
	}
	_, err := p.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (p *PgIndex) Count(ctx context.Context, businessID string, kind engine.IndexKind) (int, error) {
	var n int
	err := p.store.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE business_id = $1 AND kind = $2`,
		businessID, string(kind)).Scan(&n)
	return n, err
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

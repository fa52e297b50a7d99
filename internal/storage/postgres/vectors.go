package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kalambet/kos/internal/retrieval"
)

var _ retrieval.VectorIndex = (*VectorIndex)(nil)

// VectorIndex stores passage embeddings in a pgvector column and ranks them
// with the cosine distance operator.
type VectorIndex struct {
	db *sql.DB
}

func NewVectorIndex(db *sql.DB) *VectorIndex {
	return &VectorIndex{db: db}
}

func (v *VectorIndex) Upsert(ctx context.Context, records []retrieval.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passage_vectors (passage_id, tenant_id, item_id, text, model, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (passage_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			item_id = EXCLUDED.item_id,
			text = EXCLUDED.text,
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.PassageID, r.TenantID, r.ItemID,
			retrieval.TruncateRunes(r.Text, retrieval.MaxRecordText), r.Model,
			pgvector.NewVector(r.Embedding), createdAt); err != nil {
			return fmt.Errorf("upserting vector %s: %w", r.PassageID, err)
		}
	}
	return tx.Commit()
}

func (v *VectorIndex) Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]retrieval.ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	query := pgvector.NewVector(vector)
	rows, err := v.db.QueryContext(ctx, `
		SELECT passage_id, tenant_id, item_id, text, model, embedding, created_at,
			1 - (embedding <=> $2) AS score
		FROM passage_vectors
		WHERE tenant_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`, tenantID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	defer rows.Close()

	var out []retrieval.ScoredRecord
	for rows.Next() {
		var (
			sr  retrieval.ScoredRecord
			emb pgvector.Vector
		)
		if err := rows.Scan(&sr.PassageID, &sr.TenantID, &sr.ItemID, &sr.Text, &sr.Model, &emb,
			&sr.CreatedAt, &sr.Score); err != nil {
			return nil, err
		}
		sr.Embedding = emb.Slice()
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (v *VectorIndex) GetByIDs(ctx context.Context, ids []string) ([]retrieval.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := v.db.QueryContext(ctx, `
		SELECT passage_id, tenant_id, item_id, text, model, embedding, created_at
		FROM passage_vectors WHERE passage_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []retrieval.Record
	for rows.Next() {
		var (
			r   retrieval.Record
			emb pgvector.Vector
		)
		if err := rows.Scan(&r.PassageID, &r.TenantID, &r.ItemID, &r.Text, &r.Model, &emb, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Embedding = emb.Slice()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (v *VectorIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := v.db.ExecContext(ctx, `DELETE FROM passage_vectors WHERE passage_id = ANY($1)`, pq.Array(ids))
	return err
}

func (v *VectorIndex) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passage_vectors WHERE $1 = '' OR tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

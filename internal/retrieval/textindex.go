package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
)

// TextIndex is a full-text index over passages keyed by passage id.
type TextIndex interface {
	// Upsert replaces the indexed text of each entry.
	Upsert(ctx context.Context, entries []TextEntry) error
	Search(ctx context.Context, tenantID, query string, limit int) ([]TextHit, error)
	Delete(ctx context.Context, passageIDs ...string) error
}

type TextEntry struct {
	PassageID string
	TenantID  string
	ItemID    string
	Text      string
}

type TextHit struct {
	PassageID string
	ItemID    string
	Snippet   string
	// Score is the absolute bm25 rank; higher is better.
	Score float64
}

var _ TextIndex = (*FTSIndex)(nil)

// FTSIndex is a TextIndex on the passages_fts SQLite FTS5 table.
type FTSIndex struct {
	db *sql.DB
}

func NewFTSIndex(db *sql.DB) *FTSIndex {
	return &FTSIndex{db: db}
}

func (x *FTSIndex) Upsert(ctx context.Context, entries []TextEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	defer tx.Rollback()

	// FTS5 tables have no unique constraint, so replace by delete + insert.
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM passages_fts WHERE passage_id = ?`, e.PassageID); err != nil {
			return fmt.Errorf("clearing fts entry %s: %w", e.PassageID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO passages_fts (passage_id, tenant_id, item_id, text) VALUES (?, ?, ?, ?)`,
			e.PassageID, e.TenantID, e.ItemID, e.Text); err != nil {
			return fmt.Errorf("indexing passage %s: %w", e.PassageID, err)
		}
	}
	return tx.Commit()
}

func (x *FTSIndex) Search(ctx context.Context, tenantID, query string, limit int) ([]TextHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := x.db.QueryContext(ctx, `
		SELECT passage_id, item_id, snippet(passages_fts, 3, '<em>', '</em>', '...', 32), bm25(passages_fts) AS rank
		FROM passages_fts
		WHERE passages_fts MATCH ? AND tenant_id = ?
		ORDER BY rank
		LIMIT ?`, match, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("searching text index: %w", err)
	}
	defer rows.Close()

	var hits []TextHit
	for rows.Next() {
		var h TextHit
		if err := rows.Scan(&h.PassageID, &h.ItemID, &h.Snippet, &h.Score); err != nil {
			return nil, err
		}
		h.Score = math.Abs(h.Score)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (x *FTSIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := x.db.ExecContext(ctx, `DELETE FROM passages_fts WHERE passage_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	return err
}

// ftsQuery turns free text into an FTS5 expression matching any term. Terms
// are quoted so user input cannot inject FTS operators.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const passageColumns = `id, item_id, tenant_id, user_id, text, span_start, span_end, sequence, extraction_method, confidence, metadata, created_at`

// ReplacePassages atomically swaps the passages of itemID for passages.
func (s *Store) ReplacePassages(ctx context.Context, itemID string, passages []Passage) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM passages WHERE item_id = ?`, itemID); err != nil {
			return fmt.Errorf("deleting passages of %s: %w", itemID, err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO passages (`+passageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing passage insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range passages {
			if p.ItemID != itemID {
				return fmt.Errorf("passage %s belongs to item %s, not %s", p.ID, p.ItemID, itemID)
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			if p.ExtractionMethod == "" {
				p.ExtractionMethod = "chunk"
			}
			meta, err := encodeJSON(nonNilMap(p.Metadata))
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, p.ID, p.ItemID, p.TenantID, p.UserID, p.Text,
				p.SpanStart, p.SpanEnd, p.Sequence, p.ExtractionMethod, p.Confidence, meta,
				FormatTime(p.CreatedAt)); err != nil {
				return fmt.Errorf("inserting passage %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetPassage(ctx context.Context, id string) (Passage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+passageColumns+` FROM passages WHERE id = ?`, id)
	p, err := scanPassage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Passage{}, ErrNotFound
	}
	return p, err
}

// GetPassages returns the passages with the given ids in the order requested.
// Unknown ids are skipped.
func (s *Store) GetPassages(ctx context.Context, ids []string) ([]Passage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+passageColumns+` FROM passages
		WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Passage, len(ids))
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Passage, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// PassagesForItem returns an item's passages in sequence order.
func (s *Store) PassagesForItem(ctx context.Context, itemID string) ([]Passage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+passageColumns+` FROM passages
		WHERE item_id = ? ORDER BY sequence`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPassage(sc scanner) (Passage, error) {
	var (
		p               Passage
		meta, createdAt string
	)
	if err := sc.Scan(&p.ID, &p.ItemID, &p.TenantID, &p.UserID, &p.Text, &p.SpanStart, &p.SpanEnd,
		&p.Sequence, &p.ExtractionMethod, &p.Confidence, &meta, &createdAt); err != nil {
		return Passage{}, err
	}
	var err error
	if p.Metadata, err = decodeMap(meta); err != nil {
		return Passage{}, err
	}
	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Passage{}, err
	}
	return p, nil
}

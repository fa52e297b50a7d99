package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const itemColumns = `id, tenant_id, user_id, source, external_id, title, content_text, content_type, metadata, created_at, updated_at`

// UpsertItem inserts item or, when the id exists, replaces its content while
// keeping the original created_at.
func (s *Store) UpsertItem(ctx context.Context, item Item) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.ContentType == "" {
		item.ContentType = "text/plain"
	}
	meta, err := encodeJSON(nonNilMap(item.Metadata))
	if err != nil {
		return fmt.Errorf("encoding item metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content_text = excluded.content_text,
			content_type = excluded.content_type,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		item.ID, item.TenantID, item.UserID, string(item.Source), item.ExternalID, item.Title,
		item.ContentText, item.ContentType, meta, FormatTime(item.CreatedAt), FormatTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting item %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

// ListItems returns a tenant's items, newest first.
func (s *Store) ListItems(ctx context.Context, tenantID string, limit int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items
		WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItemMetadata merges meta into the item's metadata.
func (s *Store) UpdateItemMetadata(ctx context.Context, id string, meta map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM items WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := decodeMap(raw)
		if err != nil {
			return err
		}
		for k, v := range meta {
			current[k] = v
		}
		encoded, err := encodeJSON(current)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE items SET metadata = ?, updated_at = ? WHERE id = ?`,
			encoded, FormatTime(time.Now()), id)
		return err
	})
}

func scanItem(sc scanner) (Item, error) {
	var (
		item                 Item
		source, meta         string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&item.ID, &item.TenantID, &item.UserID, &source, &item.ExternalID, &item.Title,
		&item.ContentText, &item.ContentType, &meta, &createdAt, &updatedAt); err != nil {
		return Item{}, err
	}
	item.Source = Source(source)

	var err error
	if item.Metadata, err = decodeMap(meta); err != nil {
		return Item{}, err
	}
	if item.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Item{}, err
	}
	if item.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return Item{}, err
	}
	return item, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

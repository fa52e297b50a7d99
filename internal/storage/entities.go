package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const entityColumns = `id, tenant_id, user_id, name, type, aliases, metadata, created_at`

// ResolveEntity returns the canonical entity for (e.TenantID, e.Name),
// creating it from e when none exists. created reports whether this call
// inserted the row. Concurrent callers racing on the same name all receive
// the same row.
func (s *Store) ResolveEntity(ctx context.Context, e Entity) (Entity, bool, error) {
	if e.TenantID == "" || e.Name == "" {
		return Entity{}, false, errors.New("entity requires tenant and name")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = EntityOther
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	aliases, err := encodeJSON(nonNilStrings(e.Aliases))
	if err != nil {
		return Entity{}, false, err
	}
	meta, err := encodeJSON(nonNilMap(e.Metadata))
	if err != nil {
		return Entity{}, false, err
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, name) DO NOTHING`,
		e.ID, e.TenantID, e.UserID, e.Name, string(e.Type), aliases, meta, FormatTime(e.CreatedAt))
	if err != nil {
		return Entity{}, false, fmt.Errorf("inserting entity %q: %w", e.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entity{}, false, err
	}

	got, err := s.FindEntity(ctx, e.TenantID, e.Name)
	if err != nil {
		return Entity{}, false, fmt.Errorf("loading entity %q: %w", e.Name, err)
	}
	return got, n == 1, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	return e, err
}

// FindEntity looks an entity up by its exact name within a tenant.
func (s *Store) FindEntity(ctx context.Context, tenantID, name string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? AND name = ?`, tenantID, name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	return e, err
}

func (s *Store) ListEntities(ctx context.Context, tenantID string, limit int) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? ORDER BY name LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(sc scanner) (Entity, error) {
	var (
		e                          Entity
		typ, aliases, meta, create string
	)
	if err := sc.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Name, &typ, &aliases, &meta, &create); err != nil {
		return Entity{}, err
	}
	e.Type = EntityType(typ)

	var err error
	if e.Aliases, err = decodeStrings(aliases); err != nil {
		return Entity{}, err
	}
	if e.Metadata, err = decodeMap(meta); err != nil {
		return Entity{}, err
	}
	if e.CreatedAt, err = ParseTime(create); err != nil {
		return Entity{}, err
	}
	return e, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

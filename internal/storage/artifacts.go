package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const artifactColumns = `id, tenant_id, user_id, type, subject_id, source_ids, text, metadata, created_at, updated_at`

// EntityPageID is the stable artifact id of an entity's page.
func EntityPageID(entityID string) string {
	return "entity_page_" + entityID
}

// UpsertArtifact writes a by id, preserving created_at on update.
func (s *Store) UpsertArtifact(ctx context.Context, a Artifact) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	sources, err := encodeJSON(nonNilStrings(a.SourceIDs))
	if err != nil {
		return err
	}
	meta, err := encodeJSON(nonNilMap(a.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject_id = excluded.subject_id,
			source_ids = excluded.source_ids,
			text = excluded.text,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		a.ID, a.TenantID, a.UserID, a.Type, a.SubjectID, sources, a.Text, meta,
		FormatTime(a.CreatedAt), FormatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting artifact %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	return a, err
}

// ArtifactsForSubject lists every artifact derived for subjectID.
func (s *Store) ArtifactsForSubject(ctx context.Context, subjectID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
		WHERE subject_id = ? ORDER BY updated_at DESC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(sc scanner) (Artifact, error) {
	var (
		a                               Artifact
		sources, meta, created, updated string
	)
	if err := sc.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Type, &a.SubjectID, &sources, &a.Text,
		&meta, &created, &updated); err != nil {
		return Artifact{}, err
	}
	var err error
	if a.SourceIDs, err = decodeStrings(sources); err != nil {
		return Artifact{}, err
	}
	if a.Metadata, err = decodeMap(meta); err != nil {
		return Artifact{}, err
	}
	if a.CreatedAt, err = ParseTime(created); err != nil {
		return Artifact{}, err
	}
	if a.UpdatedAt, err = ParseTime(updated); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Package graph keeps the entity/passage graph used to build entity pages.
// It lives in the same SQLite database as the object store so that evidence
// can be joined against passages and items directly.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/kos/internal/storage"
)

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errors.New("graph: node not found")

// Node kinds.
const (
	KindEntity  = "entity"
	KindItem    = "item"
	KindPassage = "passage"
)

// Edge kinds. Mentions run passage → entity, HasPassage item → passage and
// RelatedTo entity → entity with a predicate.
const (
	EdgeMentions   = "mentions"
	EdgeHasPassage = "has_passage"
	EdgeRelatedTo  = "related_to"
)

// PredicateCoMentioned links entities named in the same passage.
const PredicateCoMentioned = "co_mentioned_with"

type Node struct {
	ID         string
	TenantID   string
	Kind       string
	Label      string
	Properties map[string]any
	UpdatedAt  time.Time
}

// Type returns the "type" property, set on entity nodes.
func (n Node) Type() string {
	s, _ := n.Properties["type"].(string)
	return s
}

type Edge struct {
	Src        string
	Dst        string
	Kind       string
	Predicate  string
	TenantID   string
	Properties map[string]any
	CreatedAt  time.Time
}

// Fact is one relationship of an entity to another entity.
type Fact struct {
	Predicate  string `json:"predicate"`
	ObjectID   string `json:"object_id"`
	ObjectName string `json:"object_name"`
	ObjectType string `json:"object_type,omitempty"`
}

// Evidence is a passage that mentions an entity.
type Evidence struct {
	PassageID   string `json:"passage_id"`
	ItemID      string `json:"item_id"`
	Text        string `json:"text"`
	SourceTitle string `json:"source_title,omitempty"`
}

// EntityPage aggregates what the graph knows about one entity.
type EntityPage struct {
	Entity   Node
	Facts    []Fact
	Evidence []Evidence
}

// Graph stores nodes and edges in the graph_nodes and graph_edges tables.
type Graph struct {
	db  *sql.DB
	now func() time.Time
}

// New returns a Graph over db, which must carry the storage migrations.
func New(db *sql.DB) *Graph {
	return &Graph{db: db, now: time.Now}
}

// UpsertNode creates or replaces a node. Properties are replaced wholesale.
func (g *Graph) UpsertNode(ctx context.Context, n Node) error {
	props, err := encodeProps(n.Properties)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, tenant_id, kind, label, properties, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			properties = excluded.properties,
			updated_at = excluded.updated_at`,
		n.ID, n.TenantID, n.Kind, n.Label, props, storage.FormatTime(g.now()))
	if err != nil {
		return fmt.Errorf("upserting %s node %s: %w", n.Kind, n.ID, err)
	}
	return nil
}

// UpsertEdge records an edge. Re-adding an existing (src, dst, kind,
// predicate) edge only refreshes its properties.
func (g *Graph) UpsertEdge(ctx context.Context, e Edge) error {
	props, err := encodeProps(e.Properties)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO graph_edges (src, dst, kind, predicate, tenant_id, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(src, dst, kind, predicate) DO UPDATE SET properties = excluded.properties`,
		e.Src, e.Dst, e.Kind, e.Predicate, e.TenantID, props, storage.FormatTime(g.now()))
	if err != nil {
		return fmt.Errorf("upserting %s edge %s->%s: %w", e.Kind, e.Src, e.Dst, err)
	}
	return nil
}

// UpsertEntity writes the node for an entity.
func (g *Graph) UpsertEntity(ctx context.Context, e storage.Entity) error {
	return g.UpsertNode(ctx, Node{
		ID:         e.ID,
		TenantID:   e.TenantID,
		Kind:       KindEntity,
		Label:      e.Name,
		Properties: map[string]any{"type": string(e.Type)},
	})
}

// UpsertPassage writes the passage node and its has_passage edge from the
// owning item.
func (g *Graph) UpsertPassage(ctx context.Context, p storage.Passage) error {
	if err := g.UpsertNode(ctx, Node{
		ID:         p.ID,
		TenantID:   p.TenantID,
		Kind:       KindPassage,
		Properties: map[string]any{"item_id": p.ItemID, "sequence": p.Sequence},
	}); err != nil {
		return err
	}
	return g.UpsertEdge(ctx, Edge{Src: p.ItemID, Dst: p.ID, Kind: EdgeHasPassage, TenantID: p.TenantID})
}

// Mention links a passage to an entity it names.
func (g *Graph) Mention(ctx context.Context, tenantID, passageID, entityID string) error {
	return g.UpsertEdge(ctx, Edge{Src: passageID, Dst: entityID, Kind: EdgeMentions, TenantID: tenantID})
}

// Relate links two entities with predicate.
func (g *Graph) Relate(ctx context.Context, tenantID, srcID, dstID, predicate string) error {
	if srcID == dstID {
		return nil
	}
	return g.UpsertEdge(ctx, Edge{Src: srcID, Dst: dstID, Kind: EdgeRelatedTo, Predicate: predicate, TenantID: tenantID})
}

// GetNode returns a node by id.
func (g *Graph) GetNode(ctx context.Context, id string) (Node, error) {
	var (
		n         Node
		props     string
		updatedAt string
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, label, properties, updated_at FROM graph_nodes WHERE id = ?`, id).
		Scan(&n.ID, &n.TenantID, &n.Kind, &n.Label, &props, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("loading node %s: %w", id, err)
	}
	if n.Properties, err = decodeProps(props); err != nil {
		return Node{}, err
	}
	if n.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return Node{}, err
	}
	return n, nil
}

// EntityPage loads the entity node, its related-to facts (in either
// direction) and up to evidenceLimit mentioning passages, newest mention
// first.
func (g *Graph) EntityPage(ctx context.Context, entityID string, evidenceLimit int) (EntityPage, error) {
	entity, err := g.GetNode(ctx, entityID)
	if err != nil {
		return EntityPage{}, err
	}
	if entity.Kind != KindEntity {
		return EntityPage{}, fmt.Errorf("node %s is a %s, not an entity: %w", entityID, entity.Kind, ErrNotFound)
	}

	page := EntityPage{Entity: entity}
	if page.Facts, err = g.facts(ctx, entityID); err != nil {
		return EntityPage{}, err
	}
	if evidenceLimit > 0 {
		if page.Evidence, err = g.evidence(ctx, entityID, evidenceLimit); err != nil {
			return EntityPage{}, err
		}
	}
	return page, nil
}

func (g *Graph) facts(ctx context.Context, entityID string) ([]Fact, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT e.predicate, n.id, n.label, COALESCE(json_extract(n.properties, '$.type'), '')
		FROM graph_edges e
		JOIN graph_nodes n ON n.id = CASE WHEN e.src = ?1 THEN e.dst ELSE e.src END
		WHERE e.kind = ?2 AND (e.src = ?1 OR e.dst = ?1)
		ORDER BY e.created_at, n.label`, entityID, EdgeRelatedTo)
	if err != nil {
		return nil, fmt.Errorf("loading facts for %s: %w", entityID, err)
	}
	defer rows.Close()

	seen := make(map[[2]string]bool)
	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.Predicate, &f.ObjectID, &f.ObjectName, &f.ObjectType); err != nil {
			return nil, err
		}
		if f.Predicate == "" {
			f.Predicate = EdgeRelatedTo
		}
		key := [2]string{f.Predicate, f.ObjectID}
		if seen[key] {
			continue
		}
		seen[key] = true
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (g *Graph) evidence(ctx context.Context, entityID string, limit int) ([]Evidence, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT p.id, p.item_id, p.text, COALESCE(i.title, '')
		FROM graph_edges e
		JOIN passages p ON p.id = e.src
		LEFT JOIN items i ON i.id = p.item_id
		WHERE e.kind = ? AND e.dst = ?
		ORDER BY e.created_at DESC, p.id
		LIMIT ?`, EdgeMentions, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading evidence for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.PassageID, &ev.ItemID, &ev.Text, &ev.SourceTitle); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Neighbors returns the nodes one hop away from id over edges of kind (any
// kind when empty), up to limit.
func (g *Graph) Neighbors(ctx context.Context, id, kind string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT DISTINCT n.id, n.tenant_id, n.kind, n.label, n.properties, n.updated_at
		FROM graph_edges e
		JOIN graph_nodes n ON n.id = CASE WHEN e.src = ?1 THEN e.dst ELSE e.src END
		WHERE (e.src = ?1 OR e.dst = ?1) AND (?2 = '' OR e.kind = ?2)
		ORDER BY n.label, n.id
		LIMIT ?3`, id, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("loading neighbors of %s: %w", id, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var (
			n         Node
			props     string
			updatedAt string
		)
		if err := rows.Scan(&n.ID, &n.TenantID, &n.Kind, &n.Label, &props, &updatedAt); err != nil {
			return nil, err
		}
		if n.Properties, err = decodeProps(props); err != nil {
			return nil, err
		}
		if n.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func encodeProps(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding properties: %w", err)
	}
	return string(b), nil
}

func decodeProps(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding properties: %w", err)
	}
	return m, nil
}

package retrieval

import (
	"context"
	"time"
)

// VectorIndex stores passage embeddings keyed by passage id. Implementations:
// SQLiteStore (brute-force cosine, default) and the pgvector index in
// internal/storage/postgres.
//
// Upsert must be idempotent per passage id; agents re-run whole batches on
// retry.
type VectorIndex interface {
	Upsert(ctx context.Context, records []Record) error

	// Search returns the topK records of tenantID most similar to vector,
	// best first.
	Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]ScoredRecord, error)

	GetByIDs(ctx context.Context, passageIDs []string) ([]Record, error)
	Delete(ctx context.Context, passageIDs ...string) error

	// Count returns the number of vectors of tenantID, or of every tenant
	// when tenantID is empty.
	Count(ctx context.Context, tenantID string) (int, error)
}

// MaxRecordText bounds Record.Text, measured in runes.
const MaxRecordText = 500

// Record is one passage embedding.
type Record struct {
	PassageID string
	TenantID  string
	ItemID    string
	// Text is a preview of the passage, at most MaxRecordText runes.
	Text      string
	Model     string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with its cosine similarity to the query.
type ScoredRecord struct {
	Record
	Score float32
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

package agent

import (
	"context"
	"fmt"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

// BatchEmbedder turns texts into vectors with a fixed model.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Embedder writes a vector record for every new passage.
type Embedder struct {
	Base
	passages  PassageReader
	embedder  BatchEmbedder
	vectors   retrieval.VectorIndex
	batchSize int
}

func NewEmbedder(passages PassageReader, embedder BatchEmbedder, vectors retrieval.VectorIndex, actions ActionRecorder, opts ...Option) *Embedder {
	o := buildOptions(opts)
	return &Embedder{
		Base:      newBase(IDEmbed, actions, o),
		passages:  passages,
		embedder:  embedder,
		vectors:   vectors,
		batchSize: o.batchSize,
	}
}

func (e *Embedder) Consumes() []events.Type { return []events.Type{events.TypePassagesCreated} }
func (e *Embedder) JobType() events.JobType { return events.JobEmbedPassages }

func (e *Embedder) Process(ctx context.Context, env events.Envelope) (out []events.Envelope, err error) {
	inv := e.begin(env, "embed_passages")
	defer inv.finish(ctx, &err)

	p, err := payload[events.PassagesCreated](env)
	if err != nil {
		return nil, err
	}
	inv.input(p.PassageIDs...)
	inv.usedModel(e.embedder.Model(), 0)

	passages, err := e.passages.GetPassages(ctx, p.PassageIDs)
	if err != nil {
		return nil, fmt.Errorf("loading passages: %w", err)
	}

	var done []string
	for _, batch := range batches(passages, e.batchSize) {
		texts := make([]string, len(batch))
		for i, psg := range batch {
			texts[i] = psg.Text
		}
		vecs, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding batch of %d: %w", len(batch), err)
		}

		now := e.now().UTC()
		records := make([]retrieval.Record, len(batch))
		for i, psg := range batch {
			records[i] = retrieval.Record{
				PassageID: psg.ID,
				TenantID:  psg.TenantID,
				ItemID:    psg.ItemID,
				Text:      retrieval.TruncateRunes(psg.Text, retrieval.MaxRecordText),
				Model:     e.embedder.Model(),
				Embedding: vecs[i],
				CreatedAt: now,
			}
		}
		if err := e.vectors.Upsert(ctx, records); err != nil {
			return nil, fmt.Errorf("upserting vectors: %w", err)
		}
		for _, psg := range batch {
			done = append(done, psg.ID)
		}
	}
	inv.output(done...)

	if len(done) == 0 {
		return nil, nil
	}
	return []events.Envelope{env.Derive(e.id, events.VectorsCreated{PassageIDs: done})}, nil
}

// TextIndexer adds every new passage to the full-text index.
type TextIndexer struct {
	Base
	passages  PassageReader
	index     retrieval.TextIndex
	batchSize int
}

func NewTextIndexer(passages PassageReader, index retrieval.TextIndex, actions ActionRecorder, opts ...Option) *TextIndexer {
	o := buildOptions(opts)
	return &TextIndexer{
		Base:      newBase(IDIndexText, actions, o),
		passages:  passages,
		index:     index,
		batchSize: o.batchSize,
	}
}

func (t *TextIndexer) Consumes() []events.Type { return []events.Type{events.TypePassagesCreated} }
func (t *TextIndexer) JobType() events.JobType { return events.JobIndexText }

func (t *TextIndexer) Process(ctx context.Context, env events.Envelope) (out []events.Envelope, err error) {
	inv := t.begin(env, "index_text")
	defer inv.finish(ctx, &err)

	p, err := payload[events.PassagesCreated](env)
	if err != nil {
		return nil, err
	}
	inv.input(p.PassageIDs...)

	passages, err := t.passages.GetPassages(ctx, p.PassageIDs)
	if err != nil {
		return nil, fmt.Errorf("loading passages: %w", err)
	}

	var done []string
	for _, batch := range batches(passages, t.batchSize) {
		entries := make([]retrieval.TextEntry, len(batch))
		for i, psg := range batch {
			entries[i] = retrieval.TextEntry{PassageID: psg.ID, TenantID: psg.TenantID, ItemID: psg.ItemID, Text: psg.Text}
		}
		if err := t.index.Upsert(ctx, entries); err != nil {
			return nil, fmt.Errorf("indexing passages: %w", err)
		}
		for _, psg := range batch {
			done = append(done, psg.ID)
		}
	}
	inv.output(done...)

	if len(done) == 0 {
		return nil, nil
	}
	return []events.Envelope{env.Derive(t.id, events.TextIndexed{PassageIDs: done})}, nil
}

func batches(ps []storage.Passage, size int) [][]storage.Passage {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]storage.Passage
	for len(ps) > 0 {
		n := min(size, len(ps))
		out = append(out, ps[:n])
		ps = ps[n:]
	}
	return out
}

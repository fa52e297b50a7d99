package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/storage"
)

// passageNamespace seeds deterministic passage ids.
var passageNamespace = uuid.MustParse("6f1d2c9e-3b7a-5e44-9a0c-2d8f4b1e7a53")

// PassageID is the stable id of the passage at sequence within itemID.
func PassageID(itemID string, sequence int) string {
	return uuid.NewSHA1(passageNamespace, []byte(itemID+":"+strconv.Itoa(sequence))).String()
}

// separators are tried in order when looking for a natural cut point.
var separators = [][]rune{[]rune("\n\n"), []rune("\n"), []rune(". "), []rune(" ")}

// Span is one chunk of a text. Start and End are rune offsets, End exclusive.
type Span struct {
	Text  string
	Start int
	End   int
}

// Chunk splits text into overlapping spans of at most size runes, preferring
// to cut just after a paragraph break, line break, sentence end or space.
// Blank spans are dropped; the spans of the rest still cover the text.
func Chunk(text string, size, overlap int) []Span {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	var spans []Span
	start := 0
	for start < n {
		end := min(start+size, n)
		if end < n {
			if cut := lastSeparator(runes, start, end); cut > 0 {
				end = cut
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			spans = append(spans, Span{Text: chunk, Start: start, End: end})
		}

		next := end - overlap
		if next >= n-overlap {
			break
		}
		if next <= start {
			next = end
		}
		start = next
	}
	return spans
}

// lastSeparator returns the offset just past the last separator lying wholly
// inside runes[start:end] and beginning after start, or 0 when none does.
func lastSeparator(runes []rune, start, end int) int {
	for _, sep := range separators {
		for i := end - len(sep); i > start; i-- {
			if hasPrefixAt(runes, i, sep) {
				return i + len(sep)
			}
		}
	}
	return 0
}

func hasPrefixAt(runes []rune, i int, sep []rune) bool {
	for j, r := range sep {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

// ItemStore is what the Chunker needs from the object store.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (storage.Item, error)
	ReplacePassages(ctx context.Context, itemID string, passages []storage.Passage) error
}

// Chunker splits an upserted item into passages.
type Chunker struct {
	Base
	items   ItemStore
	size    int
	overlap int
}

func NewChunker(items ItemStore, actions ActionRecorder, opts ...Option) *Chunker {
	o := buildOptions(opts)
	return &Chunker{
		Base:    newBase(IDChunk, actions, o),
		items:   items,
		size:    o.chunkSize,
		overlap: o.chunkOverlap,
	}
}

func (c *Chunker) Consumes() []events.Type { return []events.Type{events.TypeItemUpserted} }
func (c *Chunker) JobType() events.JobType { return events.JobChunkItem }

func (c *Chunker) Process(ctx context.Context, env events.Envelope) (out []events.Envelope, err error) {
	inv := c.begin(env, "chunk_item")
	defer inv.finish(ctx, &err)

	p, err := payload[events.ItemUpserted](env)
	if err != nil {
		return nil, err
	}
	inv.input(p.ItemID)

	item, err := c.items.GetItem(ctx, p.ItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Permanent(fmt.Errorf("item %s: %w", p.ItemID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("loading item %s: %w", p.ItemID, err)
	}

	spans := Chunk(item.ContentText, c.size, c.overlap)
	passages := make([]storage.Passage, len(spans))
	ids := make([]string, len(spans))
	now := c.now().UTC()
	for i, s := range spans {
		ids[i] = PassageID(item.ID, i)
		passages[i] = storage.Passage{
			ID:               ids[i],
			ItemID:           item.ID,
			TenantID:         item.TenantID,
			UserID:           item.UserID,
			Text:             s.Text,
			SpanStart:        s.Start,
			SpanEnd:          s.End,
			Sequence:         i,
			ExtractionMethod: "chunk",
			Confidence:       1.0,
			Metadata:         map[string]any{"source_title": item.Title},
			CreatedAt:        now,
		}
	}
	if err := c.items.ReplacePassages(ctx, item.ID, passages); err != nil {
		return nil, fmt.Errorf("saving passages for %s: %w", item.ID, err)
	}
	inv.output(ids...)

	// Blank items still emit PASSAGES_CREATED, with no passage ids.
	return []events.Envelope{env.Derive(c.id, events.PassagesCreated{ItemID: item.ID, PassageIDs: ids})}, nil
}

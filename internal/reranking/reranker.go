// Package reranking rescores vector search hits with a chat model.
package reranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kos/internal/engine"
	"github.com/kalambet/kos/internal/retrieval"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 10 * time.Second
	// candidateFactor is how many vector hits are fetched per requested hit.
	candidateFactor = 3
)

// Config tunes an LLMReranker.
type Config struct {
	Model string
	// TopK keeps at most this many hits after reranking; 0 keeps all.
	TopK      int
	Threshold float64
	Timeout   time.Duration
	Logger    *slog.Logger
}

// New returns an LLMReranker over e, or NoOp when e is nil.
func New(e engine.Engine, cfg Config) retrieval.Reranker {
	if e == nil {
		return NoOp{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLMReranker{engine: e, cfg: cfg}
}

// LLMReranker asks the model for a 0..1 relevance score per hit, scoring at
// most defaultConcurrency hits at a time. Hits below the threshold are
// dropped and the rest sorted by score.
type LLMReranker struct {
	engine engine.Engine
	cfg    Config
}

func (r *LLMReranker) Candidates(limit int) int { return limit * candidateFactor }

// Rerank returns hits unchanged when the timeout fires before scoring
// finishes. A hit whose score cannot be obtained keeps its vector score.
func (r *LLMReranker) Rerank(ctx context.Context, query string, hits []retrieval.Hit) ([]retrieval.Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	scores := make([]float64, len(hits))
	var g errgroup.Group
	g.SetLimit(defaultConcurrency)
	for i, h := range hits {
		scores[i] = h.Score
		g.Go(func() error {
			if sctx.Err() != nil {
				return nil
			}
			s, err := r.score(sctx, query, h.Text)
			if err != nil {
				r.cfg.Logger.Debug("rerank score failed, keeping vector score", "passage_id", h.PassageID, "error", err)
				return nil
			}
			scores[i] = s
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sctx.Err() != nil {
		r.cfg.Logger.Warn("rerank timed out, keeping vector order", "hits", len(hits), "timeout", r.cfg.Timeout)
		return hits, nil
	}

	out := make([]retrieval.Hit, 0, len(hits))
	for i, h := range hits {
		if scores[i] < r.cfg.Threshold {
			continue
		}
		h.Score = scores[i]
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if r.cfg.TopK > 0 && len(out) > r.cfg.TopK {
		out = out[:r.cfg.TopK]
	}
	return out, nil
}

var scoreSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "relevance from 0.0 to 1.0"},
	},
	Required: []string{"score"},
}

func (r *LLMReranker) score(ctx context.Context, query, text string) (float64, error) {
	prompt := "Rate how relevant the passage is to the query on a scale from 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Passage: " + text + "\n" +
		`Respond with only a JSON object: {"score": <number>}`

	resp, err := r.engine.Chat(ctx, engine.ChatRequest{
		Model:    r.cfg.Model,
		Messages: []engine.Message{{Role: "user", Content: prompt}},
		Schema:   scoreSchema,
	})
	if err != nil {
		return 0, err
	}
	return parseScore(resp.Content)
}

// parseScore reads {"score": n} from a reply that may be wrapped in a code
// fence or surrounded by chatter, clamping n to [0, 1].
func parseScore(reply string) (float64, error) {
	s := strings.TrimSpace(reply)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, errors.New("no JSON object in reply")
	}
	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("decoding score: %w", err)
	}
	if obj.Score == nil {
		return 0, errors.New("reply has no score")
	}
	return min(max(*obj.Score, 0), 1), nil
}

// NoOp keeps the vector order.
type NoOp struct{}

func (NoOp) Candidates(limit int) int { return limit }

func (NoOp) Rerank(_ context.Context, _ string, hits []retrieval.Hit) ([]retrieval.Hit, error) {
	return hits, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// EnsureReady fails when the engine is unreachable and pulls any of models
// it does not have, writing progress to w. Empty and repeated names are
// skipped. Providers that cannot pull are trusted to serve the model.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return errors.New("inference engine is not reachable; check llm.base_url and that the backend is started")
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, progressPrinter(w))
		switch {
		case errors.Is(err, ErrPullUnsupported):
			fmt.Fprintf(w, "model %s: not listed by provider, continuing\n", model)
		case err != nil:
			return fmt.Errorf("pulling model %s: %w", model, err)
		default:
			fmt.Fprintf(w, "model %s: ready\n", model)
		}
	}
	return nil
}

// progressPrinter prints a line per status change or whole-percent step.
func progressPrinter(w io.Writer) func(PullProgress) {
	lastStatus, lastPct := "", -1
	return func(p PullProgress) {
		pct := -1
		if p.Total > 0 {
			pct = int(p.Completed * 100 / p.Total)
		}
		if p.Status == lastStatus && pct == lastPct {
			return
		}
		lastStatus, lastPct = p.Status, pct
		if pct >= 0 {
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	}
}

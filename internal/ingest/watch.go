package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 300 * time.Millisecond

// Watcher ingests supported files under a directory tree as they are
// created or written. Editors often write a file several times in a row, so
// a path is ingested once it has been quiet for the settle interval.
type Watcher struct {
	svc      *Service
	root     string
	template Request
	settle   time.Duration
	logger   *slog.Logger

	// Ingested is called after each file; used by tests and the CLI.
	Ingested func(path string, res Result, err error)
}

func NewWatcher(svc *Service, root string, template Request, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		svc:      svc,
		root:     root,
		template: template,
		settle:   defaultSettle,
		logger:   logger.With("component", "watcher", "root", root),
	}
}

// SetSettle overrides the quiet period before a changed file is ingested.
func (w *Watcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

// Scan ingests every supported file already present under the root.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	n := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && hidden(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !wanted(path) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.ingest(ctx, path) == nil {
			n++
		}
		return nil
	})
	return n, err
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching directory")

	pending := make(map[string]time.Time)
	tick := time.NewTicker(w.settle / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Create) && isDir(ev.Name):
				if !hidden(ev.Name) {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.logger.Warn("watching new directory", "path", ev.Name, "error", err)
					}
				}
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				if wanted(ev.Name) {
					pending[ev.Name] = time.Now()
				}
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				delete(pending, ev.Name)
				w.logger.Debug("file removed, keeping ingested item", "path", ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)

		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(pending, path)
				w.ingest(ctx, path)
			}
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && hidden(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) error {
	res, err := w.svc.IngestFile(ctx, w.template, path)
	if err != nil {
		w.logger.Warn("ingesting file", "path", path, "error", err)
	} else {
		w.logger.Info("file ingested", "path", path, "item_id", res.ItemID)
	}
	if w.Ingested != nil {
		w.Ingested(path, res, err)
	}
	return err
}

func wanted(path string) bool {
	if hidden(path) || !Supported(path) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

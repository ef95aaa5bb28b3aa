// Package watcher reports changes to collection files made outside of the
// process.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Notifier receives collection file events. *jsondb.DB implements it.
type Notifier interface {
	NotifyFileAdded(name string)
	NotifyFileModified(name string)
	NotifyFileDeleted(name string)
}

// Watcher watches a data directory for collection file changes.
type Watcher struct {
	dir string
	n   Notifier
	w   *fsnotify.Watcher
}

// New starts watching dir. Call Run to deliver events.
func New(dir string, n Notifier) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, n: n, w: w}, nil
}

// Run delivers events until ctx is canceled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.w.Close() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			w.dispatch(ctx, event)
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching data directory", "dir", w.dir, "err", err)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, event fsnotify.Event) {
	name, ok := collectionName(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		slog.DebugContext(ctx, "Collection file added", "collection", name)
		w.n.NotifyFileAdded(name)
	case event.Has(fsnotify.Write):
		slog.DebugContext(ctx, "Collection file modified", "collection", name)
		w.n.NotifyFileModified(name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		slog.DebugContext(ctx, "Collection file deleted", "collection", name)
		w.n.NotifyFileDeleted(name)
	}
}

// collectionName maps a file path to its collection. Hidden and temporary
// files are ignored.
func collectionName(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return "", false
	}
	name, ok := strings.CutSuffix(base, ".json")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

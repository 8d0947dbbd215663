// Package watch triggers reconciliation when files disappear from final
// storage behind the server's back.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce batches bursts of removals into one reconciliation.
const DefaultDebounce = 500 * time.Millisecond

// ReconcileFunc runs one reconciliation pass and reports how many entries it
// dropped.
type ReconcileFunc func(ctx context.Context) (int, error)

// Watcher observes a directory for removals and renames.
type Watcher struct {
	dir       string
	debounce  time.Duration
	reconcile ReconcileFunc
	log       *zap.Logger
}

// New creates a Watcher over dir. A non-positive debounce uses
// DefaultDebounce.
func New(dir string, debounce time.Duration, reconcile ReconcileFunc, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{dir: dir, debounce: debounce, reconcile: reconcile, log: logger.Named("watch")}
}

// Run blocks until ctx is cancelled. Every removal or rename inside the
// directory schedules a reconciliation once the directory has been quiet for
// the debounce interval.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching final storage", zap.String("dir", w.dir))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug("file left final storage", zap.String("path", event.Name))
			timer.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			removed, err := w.reconcile(ctx)
			if err != nil {
				w.log.Error("reconcile after removal", zap.Error(err))
				continue
			}
			if removed > 0 {
				w.log.Info("evicted entries after removal", zap.Int("removed", removed))
			}
		}
	}
}

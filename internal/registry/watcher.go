package registry

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher triggers catalog refreshes when definition files change on
// disk. Events are debounced: editors typically emit several writes per
// save.
type Watcher struct {
	catalog  *Catalog
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration

	// onReload, when set, is notified after each successful refresh.
	onReload func()
}

// NewWatcher watches the given directories for definition changes.
func NewWatcher(catalog *Catalog, dirs []string, logger *zap.Logger) (*Watcher, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if len(dirs) == 0 {
		return nil, errors.New("at least one directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return &Watcher{
		catalog:  catalog,
		logger:   logger,
		fsw:      fsw,
		debounce: 250 * time.Millisecond,
	}, nil
}

// OnReload registers a callback invoked after each successful refresh.
func (w *Watcher) OnReload(fn func()) {
	w.onReload = fn
}

// SetDebounce overrides the event debounce window. Zero or negative
// values are ignored.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run blocks, refreshing the catalog on file changes until the context
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("definition watcher error", zap.Error(err))

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.catalog.Refresh(ctx); err != nil {
				// Previous snapshot stays live; log and keep watching.
				w.logger.Error("definition reload failed", zap.Error(err))
				continue
			}
			if w.onReload != nil {
				w.onReload()
			}
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the quiet period after the last write before a
// watched document is reported as changed.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to one document file.
type Watcher struct {
	path     string
	debounce time.Duration
	initial  bool
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, debounce: debounce}
}

// RunOnStart makes Watch call onChange once as soon as the document is being
// watched, so a save made during that first call is not missed.
func (w *Watcher) RunOnStart() *Watcher {
	w.initial = true
	return w
}

// Watch calls onChange after each burst of writes to the document until ctx
// is done. The parent directory is watched so editors that replace the file
// by renaming are still observed. onChange runs on the watching goroutine,
// so bursts that arrive while it runs are coalesced into one later call.
func (w *Watcher) Watch(ctx context.Context, onChange func(context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.path, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	logger := log.With().Str("document", target).Logger()
	logger.Info().Dur("debounce", w.debounce).Msg("Watching desired-state document")

	if w.initial {
		onChange(ctx)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug().Str("op", event.Op.String()).Msg("Document changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			onChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

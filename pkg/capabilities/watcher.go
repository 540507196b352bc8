package capabilities

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watcher marks the skill set dirty when markdown files change.
type watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onDirty  func()
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer

	stopCh chan struct{}
}

func newWatcher(logger zerolog.Logger, debounce time.Duration, onDirty func()) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		watcher:  fsw,
		logger:   logger,
		onDirty:  onDirty,
		debounce: debounce,
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

func (w *watcher) add(path string) error {
	return w.watcher.Add(path)
}

func (w *watcher) stop() error {
	close(w.stopCh)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// New skill directories must be watched too.
			if event.Has(fsnotify.Create) && !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				if err := w.watcher.Add(event.Name); err == nil {
					w.schedule()
				}
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") && !event.Has(fsnotify.Remove) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Skill change detected")

				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Skill watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onDirty)
}

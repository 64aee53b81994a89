package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher tracks whether the device node exists. USB serial adapters appear
// and disappear under /dev as they are plugged; the node itself cannot be
// watched while absent, so the parent directory is.
type Watcher struct {
	path string
	w    *fsnotify.Watcher
	log  zerolog.Logger

	// OnChange is called from Run whenever presence flips.
	OnChange func(present bool)

	mu      sync.RWMutex
	present bool
}

// NewWatcher starts watching the directory containing path.
func NewWatcher(path string, log zerolog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, ErrNoDevicePath
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	clean := filepath.Clean(path)
	if err := fw.Add(filepath.Dir(clean)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    clean,
		w:       fw,
		log:     log,
		present: exists(clean),
	}, nil
}

// Present reports whether the device node currently exists.
func (w *Watcher) Present() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.present
}

// Run consumes filesystem events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.update(exists(w.path))
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.update(exists(w.path))
				continue
			}
			w.log.Warn().Err(err).Msg("device watcher")
		}
	}
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error { return w.w.Close() }

func (w *Watcher) update(present bool) {
	w.mu.Lock()
	changed := w.present != present
	w.present = present
	w.mu.Unlock()
	if !changed {
		return
	}
	w.log.Info().Str("device", w.path).Bool("present", present).Msg("device presence changed")
	if w.OnChange != nil {
		w.OnChange(present)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceDuration batches rapid manifest rewrites into one
// refresh.
const DefaultDebounceDuration = 1 * time.Second

// ManifestWatcher watches the shell manifest file and triggers a shell
// refresh when it changes.
type ManifestWatcher struct {
	path     string
	debounce time.Duration
	onChange func()
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopped  bool
	mu       sync.Mutex
}

// NewManifestWatcher creates a watcher over the manifest at path. A zero
// debounce uses the default.
func NewManifestWatcher(path string, debounce time.Duration, onChange func()) (*ManifestWatcher, error) {
	if debounce == 0 {
		debounce = DefaultDebounceDuration
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &ManifestWatcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching the manifest file.
func (w *ManifestWatcher) Start() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	w.mu.Unlock()

	if err := w.fsw.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch manifest %q: %w", w.path, err)
	}

	go w.eventLoop()
	return nil
}

// Stop stops the watcher and releases resources.
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	_ = w.fsw.Close()
}

func (w *ManifestWatcher) eventLoop() {
	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)

	resetDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.debounce, func() {
			select {
			case debounceCh <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			resetDebounce()

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

		case <-debounceCh:
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

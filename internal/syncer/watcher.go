package syncer

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/finchapp/finch/internal/queue"
)

// wakeupWatcher watches the spool directory for writes to the wakeup
// marker file. Short-lived CLI processes touch the marker after every
// enqueue, which is how they nudge a running daemon into scheduling a
// cycle without any IPC channel.
type wakeupWatcher struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// newWakeupWatcher creates a watcher. It must be started with start()
// before it emits events.
func newWakeupWatcher() (*wakeupWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &wakeupWatcher{
		watcher: watcher,
		events:  make(chan struct{}, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}, nil
}

// start begins watching the spool directory.
func (w *wakeupWatcher) start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	w.dir = dir
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// stop halts watching and blocks until the event loop has exited.
func (w *wakeupWatcher) stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()
	return nil
}

// processEvents converts marker writes into wakeup events, coalescing
// when the consumer lags.
func (w *wakeupWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != queue.WakeupFile {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
				// Channel full: a wakeup is already pending.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

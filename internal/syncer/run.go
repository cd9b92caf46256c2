package syncer

import (
	"context"
	"fmt"
	"os"

	"github.com/finchapp/finch/internal/netmon"
)

// Run executes the daemon loop: it starts the network monitor and the
// spool watcher, performs an initial sync, and then schedules cycles
// in response to connectivity edges and enqueue wakeups.
//
// This blocks until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	s.cfg.Logger.Println("Starting sync daemon")

	if s.monitor != nil {
		if err := s.monitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start network monitor: %w", err)
		}
		defer s.monitor.Stop()
	}

	var watcher *wakeupWatcher
	if s.cfg.SpoolDir != "" {
		if err := os.MkdirAll(s.cfg.SpoolDir, 0755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
		var err error
		watcher, err = newWakeupWatcher()
		if err != nil {
			return err
		}
		if err := watcher.start(s.cfg.SpoolDir); err != nil {
			return err
		}
		defer func() {
			if err := watcher.stop(); err != nil {
				s.cfg.Logger.Printf("Error stopping spool watcher: %v", err)
			}
		}()
		s.cfg.Logger.Printf("Watching spool: %s", s.cfg.SpoolDir)
	}

	// Initial cycle picks up anything queued while the daemon was down.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.trySync(ctx)
	}()

	var (
		wakeups    <-chan struct{}
		watchErrs  <-chan error
		netChanges = s.transitionChan()
	)
	if watcher != nil {
		wakeups = watcher.events
		watchErrs = watcher.errors
	}

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Println("Shutdown signal received")
			s.cancelDebounce()
			s.wg.Wait()
			s.cfg.Logger.Println("Sync daemon stopped")
			return nil

		case tr, ok := <-netChanges:
			if !ok {
				netChanges = nil
				continue
			}
			s.notifyListeners()
			if tr.Online {
				s.cfg.Logger.Println("Back online, scheduling sync")
				s.scheduleDebounced()
			}

		case <-wakeups:
			s.scheduleDebounced()
			s.notifyListeners()

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.cfg.Logger.Printf("Spool watcher error: %v", err)
		}
	}
}

// transitionChan returns the monitor's transition channel, or a nil
// channel (blocking forever in select) when there is no monitor.
func (s *Syncer) transitionChan() <-chan netmon.Transition {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Transitions()
}

package skills

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rescans the catalog when the skills directory changes. Events are
// debounced; blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = m.logger
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return err
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("skills watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := m.Rescan(); err != nil {
				logger.Error("skill rescan failed", "dir", m.dir, "error", err)
			}
		}
	}
}

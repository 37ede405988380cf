package origin

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events into one callback.
const DefaultDebounce = 100 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	debounce time.Duration
}

// WithDebounce sets how long Watch waits for events to settle before calling
// back. Zero calls back on every event.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		c.debounce = d
	}
}

// Watch calls onChange whenever the file at path is written, created,
// replaced or removed. It watches the parent directory so that atomic
// replacements (write to temp, rename over) are seen. Watch blocks until ctx
// is done and returns nil in that case.
func Watch(ctx context.Context, path string, onChange func(), opts ...WatchOption) error {
	cfg := watchConfig{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("origin: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("origin: watch %s: %w", abs, err)
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&relevant == 0 {
				continue
			}
			if cfg.debounce <= 0 {
				onChange()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cfg.debounce)
			} else {
				timer.Reset(cfg.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("origin: watch %s: %w", abs, err)
		}
	}
}

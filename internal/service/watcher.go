package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/agerwick/backup-retention/internal/pattern"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher calls a function after backups appear in or vanish from a directory. Bursts of
// events within the debounce interval produce one call.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	matcher  *pattern.Matcher
	debounce *Debouncer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher watches dir, not its subdirectories. Only names accepted by matcher count, so
// the report, lock and metrics files never trigger a run.
func NewWatcher(dir string, matcher *pattern.Matcher, interval time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		watcher:  fw,
		logger:   logger,
		matcher:  matcher,
		debounce: NewDebouncer(interval),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Run processes events until ctx is done or Stop is called.
func (w *Watcher) Run(ctx context.Context, onChange func()) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Backup directory changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			w.debounce.Trigger(onChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Directory watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return w.matcher.MatchString(filepath.Base(event.Name))
}

// Stop ends Run and cancels a pending call. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.debounce.Stop()
		err = w.watcher.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

// Debouncer runs the last triggered callback once no trigger has arrived for the interval.
type Debouncer struct {
	interval time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	cb := d.callback
	if d.stopped {
		cb = nil
	}
	d.callback = nil
	d.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Stop cancels a pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}

// Watch starts a watcher on the backup directory that triggers RunOnce after changes.
func (s *Service) Watch(ctx context.Context) error {
	w, err := NewWatcher(s.config.Directory, s.matcher, s.config.WatchDebounce, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		w.Stop()
		return fmt.Errorf("watcher already started")
	}
	s.watcher = w
	s.mu.Unlock()

	go w.Run(ctx, func() { s.scheduledRun(ctx, "watch") })

	s.logger.Info("Watching backup directory",
		zap.String("directory", s.config.Directory),
		zap.Duration("debounce", s.config.WatchDebounce))

	return nil
}

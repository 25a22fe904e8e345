package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agerwick/backup-retention/internal/action"
	"github.com/agerwick/backup-retention/internal/config"
	"github.com/agerwick/backup-retention/internal/filelock"
	"github.com/agerwick/backup-retention/internal/metadata"
	"github.com/agerwick/backup-retention/internal/metrics"
	"github.com/agerwick/backup-retention/internal/pattern"
	"github.com/agerwick/backup-retention/internal/retention"
	"github.com/go-errors/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by RunOnce and Start while another run of the same service is in progress.
var ErrAlreadyRunning = errors.New("prune run already in progress")

type Service struct {
	config   *config.Config
	logger   *zap.Logger
	matcher  *pattern.Matcher
	policy   *retention.Policy
	location *time.Location
	executor *action.Executor
	metrics  *metrics.Collector
	now      func() time.Time

	running atomic.Bool

	mu      sync.Mutex
	lastRun *metadata.Report
	cron    *cron.Cron
	watcher *Watcher
}

// New compiles the configured template and policy. cfg must already be resolved. Listings and
// verbose progress go to out.
func New(cfg *config.Config, logger *zap.Logger, out io.Writer) (*Service, error) {
	matcher, err := pattern.Compile(cfg.Format)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, errors.Errorf("backup directory %s: %v", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("backup directory %s is not a directory", cfg.Directory)
	}

	return &Service{
		config:   cfg,
		logger:   logger,
		matcher:  matcher,
		policy:   policy,
		location: cfg.Location(),
		executor: action.New(logger, out, cfg.Verbose),
		metrics:  metrics.NewCollector(),
		now:      time.Now,
	}, nil
}

// RunOnce scans the directory, classifies what it finds and applies the configured action.
// The returned report is nil only when the run could not start. A non-nil error alongside a
// report means some entries could not be moved or deleted.
func (s *Service) RunOnce(ctx context.Context) (*metadata.Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	return s.run(ctx)
}

// Start begins a run in the background and calls done with its outcome. It returns
// ErrAlreadyRunning without starting anything when a run is in progress.
func (s *Service) Start(ctx context.Context, done func(*metadata.Report, error)) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	go func() {
		defer s.running.Store(false)
		report, err := s.run(ctx)
		if done != nil {
			done(report, err)
		}
	}()
	return nil
}

func (s *Service) run(ctx context.Context) (*metadata.Report, error) {
	started := s.now().In(s.location)
	report := metadata.NewReport(started)
	report.Directory = s.config.Directory
	report.Format = s.matcher.Template()
	report.Policy = s.policy.String()
	report.Action = s.config.Action

	s.logger.Info("Starting prune run",
		zap.String("run_id", report.RunID),
		zap.String("directory", s.config.Directory),
		zap.String("policy", report.Policy),
		zap.String("action", s.config.Action))

	// Move and delete scan under the lock.
	if s.config.Action != config.ActionList {
		lock := filelock.New(s.config.LockPath)
		if err := lock.Acquire(); err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				s.logger.Warn("Failed to release lock", zap.Error(err))
			}
		}()
	}

	entries, invalid, err := s.scan()
	if err != nil {
		return nil, err
	}

	result := retention.Classify(entries, s.policy, started)
	report.AddResult(result)
	report.Invalid = len(invalid)

	var invalidPaths []string
	for _, e := range invalid {
		invalidPaths = append(invalidPaths, e.Path)
		report.Errors = append(report.Errors, e.Error())
		s.logger.Warn("Skipping entry with invalid date", zap.String("path", e.Path), zap.Error(e))
	}

	outcome, actErr := s.executor.Apply(ctx, s.config.Action, s.config.Destination, result, invalidPaths)
	report.Acted = outcome.Acted
	report.Failed = outcome.Failed
	for _, e := range multierr.Errors(actErr) {
		report.Errors = append(report.Errors, e.Error())
	}

	finished := s.now().In(s.location)
	report.Finish(started, finished)
	s.record(report, finished)

	s.logger.Info("Prune run completed",
		zap.String("run_id", report.RunID),
		zap.String("status", report.Status),
		zap.Int("matched", report.Matched),
		zap.Int("retained", report.Retained),
		zap.Int("discardable", report.Discardable),
		zap.Int("acted", report.Acted),
		zap.Int("failed", report.Failed),
		zap.Int64("duration_ms", report.DurationMs))

	return report, actErr
}

// scan lists the top level of the backup directory. Entries with impossible dates are returned
// separately so they can be reported; they never reach the engine.
func (s *Service) scan() ([]pattern.Entry, []*pattern.InvalidDateError, error) {
	dirEntries, err := os.ReadDir(s.config.Directory)
	if err != nil {
		return nil, nil, errors.Errorf("failed to read backup directory: %v", err)
	}

	skip := map[string]bool{
		s.config.LockPath:    true,
		s.config.ReportPath:  true,
		s.config.MetricsPath: true,
	}

	var entries []pattern.Entry
	var invalid []*pattern.InvalidDateError
	for _, de := range dirEntries {
		path := filepath.Join(s.config.Directory, de.Name())
		if skip[path] {
			continue
		}

		entry, ok, err := s.matcher.Extract(path, s.location)
		if !ok {
			continue
		}
		if err != nil {
			var dateErr *pattern.InvalidDateError
			if errors.As(err, &dateErr) {
				invalid = append(invalid, dateErr)
				continue
			}
			return nil, nil, err
		}
		entries = append(entries, entry)
	}

	s.logger.Debug("Scanned backup directory",
		zap.String("directory", s.config.Directory),
		zap.Int("entries", len(dirEntries)),
		zap.Int("matched", len(entries)),
		zap.Int("invalid", len(invalid)))

	return entries, invalid, nil
}

func (s *Service) record(report *metadata.Report, finished time.Time) {
	s.metrics.Observe(report, finished)

	if s.config.ReportPath != "" {
		if err := metadata.WriteLastRun(s.config.ReportPath, report); err != nil {
			s.logger.Warn("Failed to write run report", zap.Error(err))
		}
	}
	if s.config.MetricsPath != "" {
		if err := s.metrics.WriteTextfile(s.config.MetricsPath); err != nil {
			s.logger.Warn("Failed to write metrics file", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.lastRun = report
	s.mu.Unlock()
}

// LastRun returns the most recent report of this process, falling back to the report file.
func (s *Service) LastRun() (*metadata.Report, error) {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	if last != nil || s.config.ReportPath == "" {
		return last, nil
	}
	return metadata.ReadLastRun(s.config.ReportPath)
}

func (s *Service) Running() bool {
	return s.running.Load()
}

func (s *Service) Config() *config.Config {
	return s.config
}

func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Shutdown stops the scheduler and the watcher, waiting for a scheduled run in progress.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	c, w := s.cron, s.watcher
	s.mu.Unlock()

	var errs error
	if w != nil {
		errs = multierr.Append(errs, w.Stop())
	}
	if c != nil {
		cronCtx := c.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
	}
	return errs
}

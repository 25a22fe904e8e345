package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// normalizeCron accepts the standard 5 fields. A leading seconds field is dropped.
func normalizeCron(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) == 6 {
		return strings.Join(parts[1:], " ")
	}
	return strings.Join(parts, " ")
}

// StartScheduler runs RunOnce on the configured cron expression, evaluated in the configured
// timezone, until Shutdown or ctx is done.
func (s *Service) StartScheduler(ctx context.Context) error {
	expr := normalizeCron(s.config.Schedule)
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.config.Schedule, err)
	}

	c := cron.New(cron.WithLocation(s.location))
	if _, err := c.AddFunc(expr, func() { s.scheduledRun(ctx, "cron") }); err != nil {
		return fmt.Errorf("failed to schedule prune run: %w", err)
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.cron = c
	s.mu.Unlock()

	c.Start()

	s.logger.Info("Scheduled prune runs",
		zap.String("cron", expr),
		zap.String("timezone", s.location.String()))

	return nil
}

// NextRun returns the next scheduled run, or nil without a scheduler.
func (s *Service) NextRun() *time.Time {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	entries := c.Entries()
	if len(entries) == 0 || entries[0].Next.IsZero() {
		return nil
	}
	next := entries[0].Next
	return &next
}

func (s *Service) scheduledRun(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}

	_, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Warn("Prune run already in progress, skipping", zap.String("trigger", trigger))
	case err != nil:
		s.logger.Error("Scheduled prune run failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

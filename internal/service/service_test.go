package service

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agerwick/backup-retention/internal/config"
	"github.com/agerwick/backup-retention/internal/filelock"
	"github.com/agerwick/backup-retention/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

// newTestService creates the named backups in a temp dir and a service over it.
func newTestService(t *testing.T, mutate func(*config.Config), names ...string) (*Service, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	}

	cfg := config.DefaultConfig()
	cfg.Directory = dir
	cfg.TZ = "UTC"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Resolve())

	var out bytes.Buffer
	svc, err := New(cfg, zap.NewNop(), &out)
	require.NoError(t, err)
	svc.now = func() time.Time { return now }
	return svc, &out
}

func TestNew_Errors(t *testing.T) {
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Directory = dir
	cfg.Format = "{MM}{DD}"
	_, err := New(cfg, zap.NewNop(), &bytes.Buffer{})
	assert.Error(t, err, "template without year")

	cfg = config.DefaultConfig()
	cfg.Directory = dir
	cfg.Retention = "days=0"
	_, err = New(cfg, zap.NewNop(), &bytes.Buffer{})
	assert.Error(t, err, "invalid policy")

	cfg = config.DefaultConfig()
	cfg.Directory = filepath.Join(dir, "missing")
	_, err = New(cfg, zap.NewNop(), &bytes.Buffer{})
	assert.Error(t, err, "missing directory")
}

func TestRunOnce_List(t *testing.T) {
	svc, out := newTestService(t, func(c *config.Config) {
		c.Retention = "latest=1 days=2"
	}, "20240615T1000", "20240615T0900", "20240614T2300", "20240613T2300", "notes.txt")

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, metadata.StatusSuccess, report.Status)
	assert.Equal(t, 4, report.Matched)
	assert.Equal(t, 3, report.Retained)
	assert.Equal(t, 1, report.Discardable)
	assert.Equal(t, map[string]int{"latest": 1, "daily": 2}, report.Reasons)
	assert.Equal(t, "latest=1 days=2 method=cumulative", report.Policy)
	assert.Contains(t, out.String(), "Files to keep: 3")

	for _, name := range []string{"20240615T1000", "20240615T0900", "20240614T2300", "20240613T2300"} {
		assert.FileExists(t, filepath.Join(svc.config.Directory, name))
	}
}

func TestRunOnce_Delete(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "days=2"
		c.Action = config.ActionDelete
	}, "20240615T1000", "20240615T0900", "20240614T2300", "20240601T0000")

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Acted)
	assert.Equal(t, 0, report.Failed)

	dir := svc.config.Directory
	assert.FileExists(t, filepath.Join(dir, "20240615T1000"))
	assert.FileExists(t, filepath.Join(dir, "20240614T2300"))
	assert.NoFileExists(t, filepath.Join(dir, "20240615T0900"))
	assert.NoFileExists(t, filepath.Join(dir, "20240601T0000"))
	assert.FileExists(t, filepath.Join(dir, config.LockFileName), "lock file stays in place")
}

func TestRunOnce_Move(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "latest=1"
		c.Action = config.ActionMove
		c.Destination = filepath.Join(t.TempDir(), "old")
	}, "20240615T1000", "20240614T1000")

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Acted)
	assert.FileExists(t, filepath.Join(svc.config.Destination, "20240614T1000"))
}

func TestRunOnce_SecondRunIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "weeks=2"
		c.Action = config.ActionDelete
	}, "20240615T1000", "20240613T1000", "20240610T1000", "20240608T1000", "20240605T1000")

	first, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Acted)

	second, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Matched)
	assert.Equal(t, 0, second.Discardable)
	assert.Equal(t, 0, second.Acted)
}

func TestRunOnce_InvalidDatesAreSkipped(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "latest=1"
		c.Action = config.ActionDelete
	}, "20240615T1000", "20240230T1000", "20240614T1000")

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 1, report.Invalid)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "20240230T1000")
	assert.FileExists(t, filepath.Join(svc.config.Directory, "20240230T1000"), "invalid names are never acted on")
}

func TestRunOnce_LockHeld(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "latest=1"
		c.Action = config.ActionDelete
	}, "20240615T1000", "20240614T1000")

	other := filelock.New(svc.config.LockPath)
	require.NoError(t, other.Acquire())
	defer other.Release()

	report, err := svc.RunOnce(context.Background())
	assert.ErrorIs(t, err, filelock.ErrLocked)
	assert.Nil(t, report)
	assert.FileExists(t, filepath.Join(svc.config.Directory, "20240614T1000"))
}

func TestRunOnce_LockHeldBeforeScan(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "latest=1"
		c.Action = config.ActionDelete
		c.LockPath = filepath.Join(t.TempDir(), "prune.lock")
	}, "20240615T1000")

	other := filelock.New(svc.config.LockPath)
	require.NoError(t, other.Acquire())
	defer other.Release()

	// A scan would fail on the missing directory, so ErrLocked shows it never happened.
	require.NoError(t, os.RemoveAll(svc.config.Directory))

	report, err := svc.RunOnce(context.Background())
	assert.ErrorIs(t, err, filelock.ErrLocked)
	assert.Nil(t, report)
}

func TestRunOnce_ListIgnoresLock(t *testing.T) {
	svc, _ := newTestService(t, nil, "20240615T1000")

	other := filelock.New(svc.config.LockPath)
	require.NoError(t, other.Acquire())
	defer other.Release()

	_, err := svc.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestRunOnce_AlreadyRunning(t *testing.T) {
	svc, _ := newTestService(t, nil, "20240615T1000")
	svc.running.Store(true)

	_, err := svc.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStart(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "latest=1"
		c.Action = config.ActionDelete
	}, "20240615T1000", "20240614T1000")

	type outcome struct {
		report *metadata.Report
		err    error
	}
	done := make(chan outcome, 1)
	require.NoError(t, svc.Start(context.Background(), func(r *metadata.Report, err error) {
		done <- outcome{r, err}
	}))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.NotNil(t, got.report)
		assert.Equal(t, 1, got.report.Acted)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	assert.Eventually(t, func() bool { return !svc.Running() }, time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(svc.config.Directory, "20240614T1000"))
}

func TestStart_RejectsWhileRunning(t *testing.T) {
	svc, _ := newTestService(t, nil, "20240615T1000")

	release := make(chan struct{})
	require.NoError(t, svc.Start(context.Background(), func(*metadata.Report, error) {
		<-release
	}))

	called := false
	err := svc.Start(context.Background(), func(*metadata.Report, error) { called = true })
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = svc.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, svc.Running())

	close(release)
	assert.Eventually(t, func() bool { return !svc.Running() }, time.Second, 10*time.Millisecond)
	assert.False(t, called)
	require.NoError(t, svc.Start(context.Background(), nil))
	assert.Eventually(t, func() bool { return !svc.Running() }, time.Second, 10*time.Millisecond)
}

func TestRunOnce_WritesReportAndMetrics(t *testing.T) {
	var reportPath, metricsPath string
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Retention = "latest=1"
		reportPath = filepath.Join(c.Directory, "last-run.json")
		metricsPath = filepath.Join(c.Directory, "metrics", "backup_retention.prom")
		c.ReportPath = reportPath
		c.MetricsPath = metricsPath
	}, "20240615T1000", "20240614T1000")

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	saved, err := metadata.ReadLastRun(reportPath)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, saved.RunID)
	assert.FileExists(t, metricsPath)

	last, err := svc.LastRun()
	require.NoError(t, err)
	assert.Same(t, report, last)
}

func TestRunOnce_SkipsOwnFiles(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Format = "*{YYYY}*"
		c.Retention = "latest=1"
		c.ReportPath = filepath.Join(c.Directory, "report-2024.json")
		c.LockPath = filepath.Join(c.Directory, "lock-2024")
	})
	require.NoError(t, os.WriteFile(svc.config.ReportPath, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(svc.config.LockPath, nil, 0644))

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Matched)
}

func TestLastRun_FromFile(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.ReportPath = filepath.Join(t.TempDir(), "last.json")
	})

	last, err := svc.LastRun()
	require.NoError(t, err)
	assert.Nil(t, last)

	saved := metadata.NewReport(now)
	require.NoError(t, metadata.WriteLastRun(svc.config.ReportPath, saved))

	last, err = svc.LastRun()
	require.NoError(t, err)
	assert.Equal(t, saved.RunID, last.RunID)
}

func TestNormalizeCron(t *testing.T) {
	assert.Equal(t, "30 0 * * *", normalizeCron("30 0 * * *"))
	assert.Equal(t, "30 0 * * *", normalizeCron("0 30 0 * * *"))
	assert.Equal(t, "@daily", normalizeCron(" @daily "))
}

func TestStartScheduler(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Schedule = "0 3 * * *"
	})
	assert.Nil(t, svc.NextRun())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.StartScheduler(ctx))
	next := svc.NextRun()
	require.NotNil(t, next)
	assert.Equal(t, 3, next.In(time.UTC).Hour())

	assert.Error(t, svc.StartScheduler(ctx), "second start")
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestStartScheduler_InvalidCron(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.Schedule = "every day"
	})
	assert.Error(t, svc.StartScheduler(context.Background()))
}

func TestWatch_TriggersRun(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.WatchDebounce = 20 * time.Millisecond
	}, "20240614T1000")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Watch(ctx))
	defer svc.Shutdown(context.Background())

	require.NoError(t, os.WriteFile(filepath.Join(svc.config.Directory, "20240615T1000"), nil, 0644))

	require.Eventually(t, func() bool {
		last, _ := svc.LastRun()
		return last != nil && last.Matched == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDebouncer_CoalescesTriggers(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	var calls atomic.Int32

	for i := 0; i < 5; i++ {
		d.Trigger(func() { calls.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncer_Stop(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var calls atomic.Int32

	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Trigger(func() { calls.Add(1) })

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

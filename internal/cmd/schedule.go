package cmd

import (
	"context"
	"time"

	"github.com/agerwick/backup-retention/internal/api"
	"github.com/agerwick/backup-retention/internal/config"
	"github.com/agerwick/backup-retention/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// NewScheduleCommand creates and returns the schedule subcommand
func NewScheduleCommand() *cobra.Command {
	d := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "schedule [directory]",
		Short: "Prune on a cron schedule and serve status over HTTP",
		Long: `Run as a service: prune the directory on a cron schedule, optionally again
whenever backups appear or disappear, and serve /healthz, /readyz, /status,
/run (POST) and /metrics on the service port.

A six field cron expression has its leading seconds field dropped.
Set --port 0 to disable the HTTP server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd, args)
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("cron", d.Schedule, "cron expression, evaluated in --tz")
	cmd.Flags().Bool("watch", false, "also prune after backups in the directory change")
	cmd.Flags().Duration("watch-debounce", d.WatchDebounce, "quiet period before a watch-triggered run")
	cmd.Flags().Int("port", d.ServicePort, "HTTP port for status and metrics, 0 to disable")

	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting backup retention service", zap.String("version", Version))

	svc, err := service.New(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		logErrorStack(logger, err)
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := svc.StartScheduler(ctx); err != nil {
		return err
	}
	if cfg.Watch {
		if err := svc.Watch(ctx); err != nil {
			shutdown(logger, svc, nil)
			return err
		}
	}

	var apiServer *api.Server
	serverErr := make(chan error, 1)
	if cfg.ServicePort > 0 {
		apiServer = api.New(cfg, svc, svc.Metrics().Handler(), logger)
		go func() {
			serverErr <- apiServer.Start()
		}()
	}

	logger.Info("Service started successfully")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case err = <-serverErr:
		if err != nil {
			logger.Error("API server failed", zap.Error(err))
		}
	}

	shutdown(logger, svc, apiServer)
	return err
}

func shutdown(logger *zap.Logger, svc *service.Service, apiServer *api.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}
	if err := svc.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down service", zap.Error(err))
	}
}

package cmd

import (
	"github.com/agerwick/backup-retention/internal/config"
	"github.com/agerwick/backup-retention/internal/service"
	"github.com/go-errors/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command. Without a subcommand it performs
// one prune run over the directory argument.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup-retention [directory]",
		Short: "Keep the backups a retention policy asks for and prune the rest",
		Long: `backup-retention reads a timestamp from every backup name in a directory,
decides which backups a retention policy keeps and lists, moves or deletes
the others.

The policy is a list of space separated rules:
  latest=N      keep the N newest backups
  hours=N       keep the newest backup of each of the last N hours
  days=N        ... of each of the last N days (weeks, fortnights,
                months, quarters and years work the same way)
  earliest      keep the oldest backup
  keep-all      keep everything
  method=M      cumulative (default) or progressive windows

Example:
  backup-retention /srv/backups --retention "latest=3 days=7 weeks=4 months=12" --action delete`,
		Version: Version,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, args)
		},
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	addConfigFlags(cmd)

	// Add subcommands
	cmd.AddCommand(NewScheduleCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewCheckCommand())
	cmd.AddCommand(NewTriggerCommand())

	return cmd
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	svc, err := service.New(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		logErrorStack(logger, err)
		return err
	}

	report, err := svc.RunOnce(cmd.Context())
	if err != nil {
		logErrorStack(logger, err)
		if report != nil {
			logger.Error("Prune run finished with errors",
				zap.Int("acted", report.Acted),
				zap.Int("failed", report.Failed))
		}
		return err
	}
	return nil
}

// logErrorStack logs where err was created when it carries a stack.
func logErrorStack(logger *zap.Logger, err error) {
	var stackErr *errors.Error
	if errors.As(err, &stackErr) {
		logger.Debug("Error stack", zap.String("stack", stackErr.ErrorStack()))
	}
}

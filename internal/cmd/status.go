package cmd

import (
	"fmt"
	"io"
	"net/http"

	"github.com/agerwick/backup-retention/internal/metadata"
	"github.com/go-errors/errors"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates and returns the status subcommand
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the report of the last run",
		Long: `Print the JSON report written by the last run to the --report file
(or report_path in the config file, or BACKUP_RETENTION_REPORT).

With --url the status of a running schedule service is fetched instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("url") {
				data, err := makeRequest(serviceURL(cmd), http.MethodGet, "/status")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), data)
			}

			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return printStatus(cfg.ReportPath, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("url", "", "query a running service at this URL")
	return cmd
}

func printStatus(path string, out io.Writer) error {
	if path == "" {
		return errors.New("no report file configured, set --report")
	}

	report, err := metadata.ReadLastRun(path)
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Fprintln(out, "No prune runs have been executed yet")
		return nil
	}

	return printJSON(out, report)
}

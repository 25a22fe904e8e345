package cmd

import (
	"fmt"
	"io"

	"github.com/agerwick/backup-retention/internal/config"
	"github.com/agerwick/backup-retention/internal/pattern"
	"github.com/spf13/cobra"
)

// NewCheckCommand creates and returns the check subcommand
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the name template and the retention policy",
		Long: `Compile the backup name template and parse the retention policy without
touching any directory. The normalised policy is printed on success.

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return check(cfg, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
}

func check(cfg *config.Config, out io.Writer) error {
	matcher, err := pattern.Compile(cfg.Format)
	if err != nil {
		return err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Template: %s\n", matcher.Template())
	fmt.Fprintf(out, "Pattern:  %s\n", matcher.Regexp())
	fmt.Fprintf(out, "Policy:   %s\n", policy)
	return nil
}

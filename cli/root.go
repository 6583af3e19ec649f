package cli

import (
	"github.com/spf13/cobra"

	"github.com/issueflow/issueflow/pkg/logger"
)

// RootCmd builds the issueflow command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "issueflow",
		Short:         "Workflow automation engine for issue trackers",
		Long:          "issueflow runs automation rules (triggers, conditions, actions) against an issue tracker.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")

	root.AddCommand(
		RuleCmd(),
		IntegrationCmd(),
		ServeCmd(),
		VersionCmd(),
	)
	return root
}

func commandLogger(cmd *cobra.Command) logger.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logger.NewLogger(&logger.Config{Level: logger.LogLevel(level)})
}

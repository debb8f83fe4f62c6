package cli

import (
	"github.com/spf13/cobra"

	"github.com/BartekS5/indexsync/pkg/logger"
)

func NewRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "indexsync",
		Short: "indexsync - mirror an agent registry subgraph into local stores",
		Long: `indexsync pulls agents, feedback, validations, associations and metadata
from one or more GraphQL indexer endpoints and keeps a relational database
and/or a graph document store in sync, resuming from per-section checkpoints.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("log-level") {
				return logger.Init(logLevel)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides SYNC_LOG_LEVEL")

	rootCmd.AddCommand(NewSyncCmd(), NewStatusCmd(), NewResetCmd())

	return rootCmd
}

// Package cmd implements the lockstepd command line.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the lockstepd root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lockstepd",
		Short:         "relay server for lockstep matches",
		SilenceErrors: false,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(cmd.OutOrStdout())
			cmd.SetErr(cmd.ErrOrStderr())
			return nil
		},
	}
	rootCmd.AddCommand(newServeCmd(), newTokenCmd())
	return rootCmd
}

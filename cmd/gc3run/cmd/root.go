// Package cmd wires gridrunner's back-end library into a demo command-line
// tool: build one back-end from env vars, submit one task, and poll it to
// completion. It exists to exercise the library end to end, not as a
// user-facing batch-submission client.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gc3run",
	Short: "gc3run CLI",
	Long: "-------------------------------------------------------------------\n" +
		"                           gc3run CLI\n" +
		"-------------------------------------------------------------------",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(runCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

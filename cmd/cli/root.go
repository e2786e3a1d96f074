package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"promptwatch/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "pwctl",
	Short: "PromptWatch - daily AI answer tracking for organizations",
	Long: `PromptWatch runs each organization's tracked prompts against the AI providers
their subscription covers, once per day, and records every answer.

At a minimum, you need the scheduler, at least 1 driver, the reconciler and the
webserver running against the same database and queue.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(runcmd.MigrateCmd)
	RootCmd.AddCommand(runcmd.TriggerCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}

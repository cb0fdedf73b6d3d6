package main

import (
	"github.com/spf13/cobra"
)

const releaseVersion = "0.1.0"

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "debatenow",
		Short:        "Pairs two participants into a timed, judged one-on-one debate.",
		SilenceUsage: true,
		Version:      releaseVersion,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (env overrides use the DEBATENOW_ prefix)")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newDebateCmd(&configPath),
		newTokenCmd(&configPath),
	)
	return cmd
}

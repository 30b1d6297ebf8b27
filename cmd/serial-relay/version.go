package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "serial-relay %s (commit %s, built %s, %s/%s)\n",
			formatVersion(version), commit, date, runtime.GOOS, runtime.GOARCH)
	},
}

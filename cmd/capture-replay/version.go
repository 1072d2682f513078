package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smileidentity/captureflow/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "capture-replay %s\n", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

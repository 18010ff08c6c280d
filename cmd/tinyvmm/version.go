package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tinyvmm/tinyvmm/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tinyvmm %s\n", version.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

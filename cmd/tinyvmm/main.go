package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tinyvmm",
	Short: "Hardware emulation substrate for a virtual machine monitor",
	Long: `tinyvmm models the register-level surface of an emulated machine:
a PCI bus reachable through the legacy CONFIG_ADDRESS/CONFIG_DATA ports,
plus the device functions attached to it.

Instances are described in a YAML config file; see the probe and layout
commands for inspecting an assembled machine.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

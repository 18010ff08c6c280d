package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tinyvmm/tinyvmm/internal/config"
	"github.com/tinyvmm/tinyvmm/internal/machine"
)

var probeCmd = &cobra.Command{
	Use:   "probe <config.yaml>",
	Short: "Assemble a machine and enumerate its PCI bus",
	Long: `Builds the machine described by the config file and scans bus 0
through the CONFIG_ADDRESS/CONFIG_DATA ports, the same way guest firmware
would, printing every function that responds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse(args[0])
		if err != nil {
			return err
		}
		m, err := machine.Build(cfg, os.Stdout)
		if err != nil {
			return fmt.Errorf("build machine: %w", err)
		}

		funcs, err := m.Scan()
		if err != nil {
			return fmt.Errorf("scan bus: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BDF\tVENDOR\tDEVICE\tCLASS\tSUBCLASS\tPROG-IF")
		fmt.Fprintln(w, "---\t------\t------\t-----\t--------\t-------")
		for _, f := range funcs {
			fmt.Fprintf(w, "%s\t%04x\t%04x\t%02x\t%02x\t%02x\n",
				f.BDF, f.VendorID, f.DeviceID, f.Class, f.Subclass, f.ProgIF)
		}
		w.Flush()

		fmt.Printf("\nTotal: %d functions\n", len(funcs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

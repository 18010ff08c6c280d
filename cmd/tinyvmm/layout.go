package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tinyvmm/tinyvmm/internal/devices/uart"
	"github.com/tinyvmm/tinyvmm/internal/devices/xhci"
)

var layoutCmd = &cobra.Command{
	Use:       "layout {uart|xhci|xhci-cfg}",
	Short:     "Print a device's register layout",
	Long:      "Prints the packed register map of a device model: each register's offset range and name.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"uart", "xhci", "xhci-cfg"},
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "START\tEND\tREGISTER")
		fmt.Fprintln(w, "-----\t---\t--------")

		switch args[0] {
		case "uart":
			for _, r := range uart.Layout() {
				fmt.Fprintf(w, "%#04x\t%#04x\t%s\n", r.Start, r.End, r.ID)
			}
		case "xhci":
			for _, r := range xhci.BarLayout() {
				fmt.Fprintf(w, "%#06x\t%#06x\t%s\n", r.Start, r.End, r.ID)
			}
		case "xhci-cfg":
			for _, r := range xhci.UsbCfgLayout() {
				fmt.Fprintf(w, "%#04x\t%#04x\t%s\n", r.Start, r.End, r.ID)
			}
		default:
			return fmt.Errorf("unknown device %q", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(layoutCmd)
}

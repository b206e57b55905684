// Package cli is the tagsend command tree.
package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	transport string
	logLevel  string
	adapterID string
	lanPeers  []string
	noHistory bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "tagsend",
		Short: "send short messages to a bike tag",
		Long: `tagsend finds a bike tag nearby, connects to it and writes short text
messages to its message characteristic.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.transport, "transport", "", "link to use: ble or lan (default from config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (default from config)")
	pf.StringVar(&flags.adapterID, "adapter", "", "bluetooth adapter (default from config)")
	pf.StringSliceVar(&flags.lanPeers, "lan-peer", nil, "host:port of an emulated tag; skips mDNS (implies --transport lan)")
	pf.BoolVar(&flags.noHistory, "no-history", false, "do not record deliveries")

	root.AddCommand(newScanCmd(flags))
	root.AddCommand(newSendCmd(flags))
	root.AddCommand(newShellCmd(flags))
	root.AddCommand(newPeerSimCmd(flags))
	root.AddCommand(newHistoryCmd(flags))
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newScanCmd(flags *globalFlags) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "list tags advertising the message service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			manager, err := a.newManager(flags.lanPeers)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			peers, err := manager.Scan(ctx, window)
			if err != nil {
				return describedError(err)
			}
			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				color.New(color.FgYellow).Fprintln(out, "no devices found")
				return nil
			}
			for _, peer := range peers {
				name := peer.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Fprintf(out, "%s\t%s\n", peer.ID, name)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "scan window (default from config)")
	return cmd
}

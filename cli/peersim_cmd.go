package cli

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tagsend/discovery"
	"tagsend/network"
)

func newPeerSimCmd(flags *globalFlags) *cobra.Command {
	var (
		port          int
		ackDelay      time.Duration
		maxValueBytes int
		noMDNS        bool
	)
	cmd := &cobra.Command{
		Use:   "peersim",
		Short: "run an emulated tag on the local network",
		Long: `peersim serves the tag's message characteristic over TCP and advertises it
over mDNS, so the lan transport can be used without hardware.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			sim := a.cfg.Sim
			if port > 0 {
				sim.Port = port
			}
			if maxValueBytes > 0 {
				sim.MaxValueBytes = maxValueBytes
			}

			out := cmd.OutOrStdout()
			received := color.New(color.FgCyan)
			server, err := network.ListenPeer(network.PeerServerConfig{
				Address:            net.JoinHostPort("", strconv.Itoa(sim.Port)),
				Name:               sim.Name,
				ServiceUUID:        a.cfg.ServiceUUID,
				CharacteristicUUID: a.cfg.CharacteristicUUID,
				MaxValueBytes:      sim.MaxValueBytes,
				AckDelay:           ackDelay,
				Logger:             a.log.Named("peersim"),
				OnMessage: func(text string) {
					received.Fprintf(out, "[%s] %s\n", time.Now().Format(time.TimeOnly), text)
				},
			})
			if err != nil {
				return err
			}
			defer server.Close()

			if !noMDNS {
				broadcaster, err := discovery.StartBroadcaster(discovery.Config{
					PeerID:      sim.PeerID,
					PeerName:    sim.Name,
					Port:        server.Port(),
					ServiceUUID: a.cfg.ServiceUUID,
				})
				if err != nil {
					return fmt.Errorf("advertise emulated tag: %w", err)
				}
				defer broadcaster.Stop()
			}

			a.log.Info("emulated tag listening",
				zap.String("addr", server.Addr().String()),
				zap.String("name", sim.Name),
				zap.Bool("mdns", !noMDNS))
			fmt.Fprintf(out, "%s listening on %s (ctrl-c to stop)\n", sim.Name, server.Addr())

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "TCP port (default from config)")
	cmd.Flags().DurationVar(&ackDelay, "ack-delay", 0, "hold each write ack back this long")
	cmd.Flags().IntVar(&maxValueBytes, "max-value-bytes", 0, "reject writes longer than this (default from config)")
	cmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "do not advertise over mDNS")
	return cmd
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tagsend/session"
)

var errNoPeer = errors.New("no devices found")

func newSendCmd(flags *globalFlags) *cobra.Command {
	var peerID string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "scan, connect to a tag and write one message",
		Long: `send scans for the tag, connects to the first one found (or the one named
with --peer) and writes the message. The words of <text> are joined with spaces.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, true)
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

			text := strings.Join(args, " ")
			peer, err := sendOnce(ctx, a, manager, peerID, text)
			if err != nil {
				return describedError(err)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "message sent to %s\n", peer.DisplayName())
			return nil
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "ID of the tag to use (default: first found)")
	return cmd
}

// sendOnce runs one scan, connect and send cycle and records the attempt.
func sendOnce(ctx context.Context, a *app, manager *session.Manager, peerID, text string) (session.PeerRecord, error) {
	peers, err := manager.Scan(ctx, 0)
	if err != nil {
		return session.PeerRecord{}, err
	}
	peer, err := pickPeer(peers, peerID)
	if err != nil {
		return session.PeerRecord{}, err
	}

	s, err := manager.Connect(ctx, peer)
	if err != nil {
		return peer, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			a.log.Debug("close session", zap.Error(err))
		}
	}()

	started := time.Now()
	err = manager.Send(ctx, s, text)
	a.recordDelivery(peer, text, err, time.Since(started))
	return peer, err
}

func pickPeer(peers []session.PeerRecord, peerID string) (session.PeerRecord, error) {
	if len(peers) == 0 {
		return session.PeerRecord{}, errNoPeer
	}
	if peerID == "" {
		return peers[0], nil
	}
	for _, peer := range peers {
		if strings.EqualFold(peer.ID, peerID) {
			return peer, nil
		}
	}
	return session.PeerRecord{}, fmt.Errorf("tag %s not found in scan", peerID)
}
